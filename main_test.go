package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestFinish(t *testing.T) {
	live := context.Background()
	stopped, cancel := context.WithCancel(context.Background())
	cancel()

	canceledRuns := multierror.Append(nil,
		fmt.Errorf("ring_4: %w", context.Canceled),
		fmt.Errorf("ring_6 round 2: %w", context.Canceled),
	)
	mixed := multierror.Append(nil,
		fmt.Errorf("ring_4: %w", context.Canceled),
		errors.New("ring_6: disk full"),
	)

	tests := []struct {
		name    string
		ctx     context.Context
		err     error
		wantErr bool
	}{
		{"clean run", live, nil, false},
		{"signal stop", stopped, canceledRuns.ErrorOrNil(), false},
		{"signal after completion", stopped, nil, false},
		{"signal with real failure", stopped, mixed.ErrorOrNil(), true},
		{"failure without signal", live, errors.New("disk full"), true},
		{"canceled without signal", live, canceledRuns.ErrorOrNil(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := finish(tt.ctx, tt.err, zaptest.NewLogger(t))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
