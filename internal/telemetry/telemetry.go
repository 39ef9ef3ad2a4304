// Package telemetry sends product analytics about sandbox usage to PostHog.
package telemetry

import (
	"maps"

	"github.com/posthog/posthog-go"
)

const defaultEndpoint = "https://us.i.posthog.com"

// Service records analytics events keyed by sandbox ID.
type Service interface {
	Track(distinctID, event string, properties map[string]any)
	Close()
}

// NoopService drops every event.
type NoopService struct{}

func (s *NoopService) Track(string, string, map[string]any) {}

func (s *NoopService) Close() {}

type posthogService struct {
	client posthog.Client
	base   map[string]any
}

// New returns a PostHog-backed Service that attaches base to every event.
// An empty apiKey, or a client that cannot be built, yields a NoopService.
func New(apiKey, endpoint string, base map[string]any) Service {
	if apiKey == "" {
		return &NoopService{}
	}
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		return &NoopService{}
	}
	return &posthogService{client: client, base: maps.Clone(base)}
}

// properties merges base and event properties. Event values win.
func (s *posthogService) properties(event map[string]any) posthog.Properties {
	props := posthog.NewProperties()
	for k, v := range s.base {
		props.Set(k, v)
	}
	for k, v := range event {
		props.Set(k, v)
	}
	return props
}

func (s *posthogService) Track(distinctID, event string, properties map[string]any) {
	_ = s.client.Enqueue(posthog.Capture{
		DistinctId: distinctID,
		Event:      event,
		Properties: s.properties(properties),
	})
}

func (s *posthogService) Close() {
	_ = s.client.Close()
}
