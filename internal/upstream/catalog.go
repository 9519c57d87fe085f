package upstream

import (
	"errors"
	"fmt"
)

// Family identifies a pool of interchangeable credentials for one
// provider.
type Family string

const (
	FamilyGemini     Family = "gemini"
	FamilyOpenRouter Family = "openrouter"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Route names one provider-side model a public model id can be served by.
type Route struct {
	Family        Family
	UpstreamModel string
}

// ModelSpec describes one whitelisted public model. Routes are ordered:
// the first family is primary, later ones are fallbacks.
type ModelSpec struct {
	ID     string
	Kind   Kind
	Routes []Route
}

// DefaultCatalog is the closed whitelist of models the gateway will call.
// Anything not listed here is rejected before a credential is touched.
// The revo ids are product names pinned to specific upstream models.
var DefaultCatalog = map[string]ModelSpec{
	"gemini-2.5-flash": {
		ID:   "gemini-2.5-flash",
		Kind: KindText,
		Routes: []Route{
			{Family: FamilyGemini, UpstreamModel: "gemini-2.5-flash"},
			{Family: FamilyOpenRouter, UpstreamModel: "google/gemini-2.5-flash"},
		},
	},
	"gemini-1.5-pro": {
		ID:   "gemini-1.5-pro",
		Kind: KindText,
		Routes: []Route{
			{Family: FamilyGemini, UpstreamModel: "gemini-1.5-pro"},
			{Family: FamilyOpenRouter, UpstreamModel: "google/gemini-pro-1.5"},
		},
	},
	"gemini-2.5-flash-image-preview": {
		ID:   "gemini-2.5-flash-image-preview",
		Kind: KindImage,
		Routes: []Route{
			{Family: FamilyGemini, UpstreamModel: "gemini-2.5-flash-image-preview"},
		},
	},
	"revo-1.0": {
		ID:   "revo-1.0",
		Kind: KindImage,
		Routes: []Route{
			{Family: FamilyGemini, UpstreamModel: "gemini-2.5-flash-image-preview"},
		},
	},
	"revo-1.5": {
		ID:   "revo-1.5",
		Kind: KindImage,
		Routes: []Route{
			{Family: FamilyGemini, UpstreamModel: "gemini-2.5-flash-image-preview"},
			{Family: FamilyOpenRouter, UpstreamModel: "google/gemini-2.5-flash-image-preview"},
		},
	},
	"revo-2.0": {
		ID:   "revo-2.0",
		Kind: KindImage,
		Routes: []Route{
			{Family: FamilyGemini, UpstreamModel: "gemini-2.5-flash-image-preview"},
			{Family: FamilyOpenRouter, UpstreamModel: "google/gemini-2.5-flash-image-preview"},
		},
	},
}

func ValidateCatalog(catalog map[string]ModelSpec) error {
	if len(catalog) == 0 {
		return errors.New("model catalog is empty")
	}
	for id, spec := range catalog {
		if spec.ID != id {
			return fmt.Errorf("model %q: id mismatch", id)
		}
		if spec.Kind != KindText && spec.Kind != KindImage {
			return fmt.Errorf("model %q: unknown kind %q", id, spec.Kind)
		}
		if len(spec.Routes) == 0 {
			return fmt.Errorf("model %q: no routes", id)
		}
		for _, route := range spec.Routes {
			if route.Family != FamilyGemini && route.Family != FamilyOpenRouter {
				return fmt.Errorf("model %q: unknown family %q", id, route.Family)
			}
			if route.UpstreamModel == "" {
				return fmt.Errorf("model %q: empty upstream model", id)
			}
		}
	}
	return nil
}
