package session

import (
	"context"
	"errors"
	"strings"

	"github.com/migadu/sievemgr/pkg/metrics"
	"github.com/migadu/sievemgr/pkg/sievelint"
	"github.com/migadu/sievemgr/protocol"
)

// request is a protocol.Request with a typed result.
type request[T any] interface {
	protocol.Request
	Wait(ctx context.Context) (T, error)
}

// run sends the request built by newReq and waits for its result. When the
// server answers with a referral the session moves to the referred server
// and the request is sent there once more.
func run[T any](ctx context.Context, s *Session, newReq func() request[T]) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		eng, err := s.ensureEngine(ctx)
		if err != nil {
			return zero, err
		}
		req := newReq()
		if err := eng.Enqueue(req); err != nil {
			return zero, err
		}
		v, err := req.Wait(ctx)
		var ref *protocol.ReferralError
		if attempt == 0 && errors.As(err, &ref) {
			if err := s.followReferral(ctx, ref); err != nil {
				return zero, err
			}
			continue
		}
		return v, err
	}
}

func (s *Session) ListScripts(ctx context.Context) ([]protocol.ScriptEntry, error) {
	return run(ctx, s, func() request[[]protocol.ScriptEntry] {
		return protocol.NewListScriptsRequest()
	})
}

func (s *Session) GetScript(ctx context.Context, name string) (string, error) {
	return run(ctx, s, func() request[string] {
		return protocol.NewGetScriptRequest(name)
	})
}

// PutScript stores body under name. The returned response may carry
// WARNINGS about the script.
func (s *Session) PutScript(ctx context.Context, name, body string) (*protocol.Response, error) {
	if err := s.validateLocally(body); err != nil {
		return nil, err
	}
	resp, err := run(ctx, s, func() request[*protocol.Response] {
		return protocol.NewPutScriptRequest(name, body)
	})
	if err == nil {
		metrics.ScriptsUploaded.Inc()
	}
	return resp, err
}

// CheckScript asks the server to validate body without storing it.
func (s *Session) CheckScript(ctx context.Context, body string) (*protocol.Response, error) {
	if caps := s.Capabilities(); caps != nil && !caps.Compatibility.CheckScript {
		return nil, ErrUnsupported
	}
	if err := s.validateLocally(body); err != nil {
		return nil, err
	}
	return run(ctx, s, func() request[*protocol.Response] {
		return protocol.NewCheckScriptRequest(body)
	})
}

// SetActive activates name. An empty name deactivates the active script.
func (s *Session) SetActive(ctx context.Context, name string) error {
	_, err := run(ctx, s, func() request[*protocol.Response] {
		return protocol.NewSetActiveRequest(name)
	})
	if err == nil && name != "" {
		metrics.ScriptsActivated.Inc()
	}
	return err
}

func (s *Session) DeleteScript(ctx context.Context, name string) error {
	_, err := run(ctx, s, func() request[*protocol.Response] {
		return protocol.NewDeleteScriptRequest(name)
	})
	return err
}

// RenameScript renames oldName. Servers without RENAMESCRIPT get the script
// copied to newName, activated if it was active, and the old one deleted.
func (s *Session) RenameScript(ctx context.Context, oldName, newName string) error {
	if caps := s.Capabilities(); caps == nil || caps.Compatibility.RenameScript {
		_, err := run(ctx, s, func() request[*protocol.Response] {
			return protocol.NewRenameScriptRequest(oldName, newName)
		})
		return err
	}

	s.log.Debug("server lacks RENAMESCRIPT, copying script", "from", oldName, "to", newName)
	scripts, err := s.ListScripts(ctx)
	if err != nil {
		return err
	}
	active := false
	for _, sc := range scripts {
		if sc.Name == oldName && sc.Active {
			active = true
		}
	}
	body, err := s.GetScript(ctx, oldName)
	if err != nil {
		return err
	}
	if _, err := run(ctx, s, func() request[*protocol.Response] {
		return protocol.NewPutScriptRequest(newName, body)
	}); err != nil {
		return err
	}
	if active {
		if err := s.SetActive(ctx, newName); err != nil {
			return err
		}
	}
	return s.DeleteScript(ctx, oldName)
}

// HaveSpace reports whether a script of size bytes fits under name. A quota
// rejection is reported as false without error.
func (s *Session) HaveSpace(ctx context.Context, name string, size int64) (bool, error) {
	_, err := run(ctx, s, func() request[*protocol.Response] {
		return protocol.NewHaveSpaceRequest(name, size)
	})
	if err == nil {
		return true, nil
	}
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) && !perr.IsBye() && strings.HasPrefix(perr.Code(), "QUOTA") {
		return false, nil
	}
	return false, err
}

// Noop checks that the connection is alive.
func (s *Session) Noop(ctx context.Context) error {
	if caps := s.Capabilities(); caps != nil && !caps.Compatibility.Noop {
		return ErrUnsupported
	}
	_, err := run(ctx, s, func() request[*protocol.Response] {
		return protocol.NewNoopRequest("")
	})
	return err
}

// RefreshCapabilities asks the server for its capabilities and replaces the
// stored snapshot.
func (s *Session) RefreshCapabilities(ctx context.Context) (*protocol.Capabilities, error) {
	caps, err := run(ctx, s, func() request[*protocol.Capabilities] {
		return protocol.NewCapabilitiesRequest()
	})
	if err != nil {
		return nil, err
	}
	s.caps.Store(caps)
	return caps, nil
}

// validateLocally runs the local Sieve parser when the account asks for it.
// A failure that may stem from an extension the parser does not know is
// left to the server.
func (s *Session) validateLocally(body string) error {
	if !s.account.ValidateLocally {
		return nil
	}
	caps := s.Capabilities()
	if caps == nil {
		return nil
	}
	err := sievelint.Validate(body, caps.Extensions)
	if err == nil {
		return nil
	}
	var lintErr *sievelint.Error
	if errors.As(err, &lintErr) && !lintErr.Conclusive() {
		s.log.Warn("local validation inconclusive, leaving it to the server", "error", lintErr.Err, "unchecked", lintErr.Unchecked)
		return nil
	}
	metrics.LocalValidationFailures.Inc()
	return err
}
