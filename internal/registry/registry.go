// Package registry fetches canonical trial registrations from the three
// supported registries (ClinicalTrials.gov, EU Clinical Trials Register,
// DRKS) and normalizes them into the shared Registration record. Adapters are
// independent of one another; dispatch is by trial-id shape.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/clinetrics/publink/internal/trialid"
	"github.com/clinetrics/publink/internal/types"
)

// ErrorKind classifies a registration fetch failure.
type ErrorKind string

const (
	KindNotFound  ErrorKind = "notFound"
	KindTransport ErrorKind = "transport"
	KindParse     ErrorKind = "parse"
)

// FetchError is the typed failure every adapter returns.
type FetchError struct {
	Kind    ErrorKind
	TrialID string
	Cause   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("registry: fetch %s: %s: %v", e.TrialID, e.Kind, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err is a notFound FetchError.
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindNotFound
}

// Adapter fetches the registration for one trial id. Implementations are pure
// apart from network access; identical ids yield identical registrations.
type Adapter interface {
	Fetch(ctx context.Context, trialID string) (types.Registration, error)
}

// Registry dispatches trial ids to the adapter for their registry.
type Registry struct {
	ctgov Adapter
	euctr Adapter
	drks  Adapter
}

// New builds a Registry over the three adapters.
func New(ctgov, euctr, drks Adapter) *Registry {
	return &Registry{ctgov: ctgov, euctr: euctr, drks: drks}
}

// Fetch normalizes raw, detects its registry, and runs the matching adapter.
//
// Expectations:
//   - Unknown id shapes fail before any adapter runs
//   - The returned registration carries the normalized trial id
func (r *Registry) Fetch(ctx context.Context, raw string) (types.Registration, error) {
	id, registryType, err := trialid.Parse(raw)
	if err != nil {
		return types.Registration{}, err
	}
	switch registryType {
	case types.RegistryCTGov:
		return r.ctgov.Fetch(ctx, id)
	case types.RegistryEUCTR:
		return r.euctr.Fetch(ctx, id)
	case types.RegistryDRKS:
		return r.drks.Fetch(ctx, id)
	}
	return types.Registration{}, fmt.Errorf("registry: no adapter for %s", registryType)
}

// fetchURL downloads url with retry on transient failures. 404 maps to a
// notFound FetchError, other non-2xx to transport after retries.
func fetchURL(ctx context.Context, client *http.Client, trialID, url string) ([]byte, error) {
	var body []byte
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(&FetchError{Kind: KindTransport, TrialID: trialID, Cause: err})
		}
		resp, err := client.Do(req)
		if err != nil {
			return &FetchError{Kind: KindTransport, TrialID: trialID, Cause: err}
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return &FetchError{Kind: KindTransport, TrialID: trialID, Cause: err}
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(&FetchError{Kind: KindNotFound, TrialID: trialID, Cause: fmt.Errorf("HTTP 404 for %s", url)})
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return &FetchError{Kind: KindTransport, TrialID: trialID, Cause: fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)}
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(&FetchError{Kind: KindTransport, TrialID: trialID, Cause: fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)})
		}
		body = b
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return body, nil
}
