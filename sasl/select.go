package sasl

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNoMechanism = errors.New("no usable SASL mechanism")

// MechanismError reports why no mechanism could be used for authentication.
type MechanismError struct {
	Mechanism string
	Reason    string
}

func (e *MechanismError) Error() string {
	if e.Mechanism == "" {
		return fmt.Sprintf("sasl: %s", e.Reason)
	}
	return fmt.Sprintf("sasl: %s: %s", e.Mechanism, e.Reason)
}

func (e *MechanismError) Unwrap() error {
	return ErrNoMechanism
}

// SelectOptions restricts mechanism selection.
type SelectOptions struct {
	// Forced selects exactly this mechanism, which the server must advertise.
	Forced string
	// Authorization is the identity to act as. Mechanisms that cannot carry
	// one are skipped when it is set.
	Authorization string
	// ClientCertificate allows EXTERNAL to be chosen without forcing it.
	ClientCertificate bool
}

// Select picks a mechanism from the list the server advertised, in server
// order. LOGIN is only used if nothing else is available, EXTERNAL only when
// forced or when a client certificate is configured.
func Select(advertised []string, opts SelectOptions) (Mechanism, error) {
	offered := func(name string) bool {
		for _, a := range advertised {
			if strings.EqualFold(a, name) {
				return true
			}
		}
		return false
	}

	if opts.Forced != "" {
		if !offered(opts.Forced) {
			return nil, &MechanismError{Mechanism: strings.ToUpper(opts.Forced), Reason: "not advertised by server"}
		}
		mech, err := New(opts.Forced)
		if err != nil {
			return nil, &MechanismError{Mechanism: strings.ToUpper(opts.Forced), Reason: "not implemented"}
		}
		if opts.Authorization != "" && !mech.IsAuthorizable() {
			return nil, &MechanismError{Mechanism: mech.Name(), Reason: "does not support an authorization identity"}
		}
		return mech, nil
	}

	var fallback Mechanism
	for _, name := range advertised {
		mech, err := New(name)
		if err != nil {
			continue
		}
		if opts.Authorization != "" && !mech.IsAuthorizable() {
			continue
		}
		switch mech.Name() {
		case External:
			if !opts.ClientCertificate {
				continue
			}
		case Login:
			if fallback == nil {
				fallback = mech
			}
			continue
		}
		return mech, nil
	}
	if fallback != nil {
		return fallback, nil
	}

	if len(advertised) == 0 {
		return nil, &MechanismError{Reason: "server advertises no SASL mechanisms"}
	}
	return nil, &MechanismError{Reason: fmt.Sprintf("none of the advertised mechanisms are usable (%s)", strings.Join(advertised, " "))}
}
