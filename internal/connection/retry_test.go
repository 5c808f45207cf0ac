package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// scripted replays a fixed sequence of Execute results.
type scripted struct {
	errs      []error
	state     State
	calls     int
	reopens   int
	reopenErr error
}

func (s *scripted) Execute(ctx context.Context, cmd obd.Command) (*obd.Response, error) {
	i := s.calls
	s.calls++
	if s.state == Faulted {
		return nil, obd.ErrNotReady
	}
	if i < len(s.errs) && s.errs[i] != nil {
		if obd.Classify(s.errs[i]) == obd.ClassDead || errors.Is(s.errs[i], obd.ErrTimeout) {
			s.state = Faulted
		}
		return nil, s.errs[i]
	}
	return &obd.Response{Name: "rpm", Value: 800.0}, nil
}

func (s *scripted) Reopen(ctx context.Context) error {
	s.reopens++
	if s.reopenErr != nil {
		return s.reopenErr
	}
	s.state = Ready
	return nil
}

func (s *scripted) State() State { return s.state }

var rpmCmd = obd.PIDCommand(obd.ModeCurrentData, 0x0C)

func TestRetryPolicy(t *testing.T) {
	timeout := &obd.TimeoutError{Op: "read", After: time.Second}
	negative := &obd.ProtocolError{Negative: true, NRC: 0x12}
	dead := &obd.TransportError{Op: "read", Err: errors.New("io")}

	tests := []struct {
		name        string
		policy      RetryPolicy
		errs        []error
		wantErr     error
		wantCalls   int
		wantReopens int
	}{
		{"zero value sends once", RetryPolicy{}, []error{obd.ErrNotReady}, obd.ErrNotReady, 1, 0},
		{"busy then ok", RetryPolicy{Count: 2}, []error{obd.ErrNotReady}, nil, 2, 0},
		{"negative not retried", RetryPolicy{Count: 3}, []error{negative}, obd.ErrProtocol, 1, 0},
		{"unsupported not retried", RetryPolicy{Count: 3}, []error{&obd.UnsupportedPIDError{}}, obd.ErrUnsupportedPID, 1, 0},
		{"timeout faults without reopen", RetryPolicy{Count: 3}, []error{timeout}, obd.ErrTimeout, 1, 0},
		{"timeout with reopen", RetryPolicy{Count: 3, Reopen: true}, []error{timeout}, nil, 2, 1},
		{"dead without reopen", RetryPolicy{Count: 3}, []error{dead}, obd.ErrTransport, 1, 0},
		{"dead with reopen", RetryPolicy{Count: 3, Reopen: true}, []error{dead, dead}, nil, 3, 2},
		{"exhausted", RetryPolicy{Count: 1}, []error{obd.ErrNotReady, obd.ErrNotReady}, obd.ErrNotReady, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scripted{errs: tt.errs, state: Ready}
			resp, err := tt.policy.Execute(context.Background(), s, rpmCmd)
			if tt.wantErr == nil {
				if err != nil || resp == nil {
					t.Fatalf("Execute: %v", err)
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Execute: %v, want %v", err, tt.wantErr)
			}
			if s.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", s.calls, tt.wantCalls)
			}
			if s.reopens != tt.wantReopens {
				t.Errorf("reopens = %d, want %d", s.reopens, tt.wantReopens)
			}
		})
	}
}

func TestRetryReportsReopenFailure(t *testing.T) {
	openErr := &obd.TransportError{Op: "open", Err: errors.New("adapter gone")}
	s := &scripted{
		errs:      []error{&obd.TimeoutError{Op: "read"}},
		state:     Ready,
		reopenErr: openErr,
	}
	_, err := RetryPolicy{Count: 1, Reopen: true}.Execute(context.Background(), s, rpmCmd)
	if !errors.Is(err, openErr) {
		t.Errorf("Execute: %v, want reopen error", err)
	}
}

func TestRetryBackoffHonoursContext(t *testing.T) {
	s := &scripted{errs: []error{obd.ErrNotReady, obd.ErrNotReady, obd.ErrNotReady}, state: Ready}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := RetryPolicy{Count: 5, Backoff: time.Second}.Execute(ctx, s, rpmCmd)
	if !errors.Is(err, obd.ErrNotReady) {
		t.Errorf("Execute: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("backoff ignored cancellation")
	}
	if s.calls != 1 {
		t.Errorf("calls = %d, want 1", s.calls)
	}
}
