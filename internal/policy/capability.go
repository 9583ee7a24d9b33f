package policy

import (
	"fmt"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
)

// ImagePlaceholder replaces image parts sent to a provider without vision support.
const ImagePlaceholder = "[image omitted: provider does not support vision]"

// Capabilities describes what a provider can do.
type Capabilities struct {
	Streaming bool `koanf:"streaming"`
	Tools     bool `koanf:"tools"`
	Vision    bool `koanf:"vision"`
	Thinking  bool `koanf:"thinking"`
}

// Capability names.
const (
	CapabilityStreaming = "streaming"
	CapabilityTools     = "tools"
	CapabilityVision    = "vision"
	CapabilityThinking  = "thinking"
)

// Action is what happens to a request that uses a capability the provider lacks.
type Action string

const (
	ActionStrip  Action = "strip"
	ActionReject Action = "reject"
)

// CapabilityPolicy assigns an Action per capability. The zero value strips everything.
type CapabilityPolicy struct {
	Streaming Action `koanf:"streaming" validate:"omitempty,oneof=strip reject"`
	Tools     Action `koanf:"tools" validate:"omitempty,oneof=strip reject"`
	Vision    Action `koanf:"vision" validate:"omitempty,oneof=strip reject"`
	Thinking  Action `koanf:"thinking" validate:"omitempty,oneof=strip reject"`
}

// Change records one capability stripped from a request.
type Change struct {
	Capability string
}

func (c Change) String() string {
	return c.Capability + " stripped"
}

// Downgrade adapts req to the provider's capabilities. Stripped streaming means the caller
// must replay a non-streaming response as events; stripped images become ImagePlaceholder.
func Downgrade(req canonical.Request, provider string, caps Capabilities, pol CapabilityPolicy) (canonical.Request, []Change, error) {
	var changes []Change
	out := req

	apply := func(capability string, action Action, strip func(canonical.Request) canonical.Request) error {
		if action == ActionReject {
			return &apierror.UnsupportedParameterError{
				Param:    capability,
				Provider: provider,
				Reason:   fmt.Sprintf("provider does not support %s", capability),
			}
		}
		out = strip(out)
		changes = append(changes, Change{Capability: capability})
		return nil
	}

	if req.Stream && !caps.Streaming {
		if err := apply(CapabilityStreaming, pol.Streaming, func(r canonical.Request) canonical.Request {
			return r.WithStream(false)
		}); err != nil {
			return canonical.Request{}, nil, err
		}
	}
	if (len(req.Tools) > 0 || req.ToolChoice.Mode != "") && !caps.Tools {
		if err := apply(CapabilityTools, pol.Tools, canonical.Request.WithoutTools); err != nil {
			return canonical.Request{}, nil, err
		}
	}
	if req.HasImages() && !caps.Vision {
		if err := apply(CapabilityVision, pol.Vision, func(r canonical.Request) canonical.Request {
			return r.WithImagesReplaced(ImagePlaceholder)
		}); err != nil {
			return canonical.Request{}, nil, err
		}
	}
	if req.Thinking != nil && req.Thinking.Enabled && !caps.Thinking {
		if err := apply(CapabilityThinking, pol.Thinking, canonical.Request.WithoutThinking); err != nil {
			return canonical.Request{}, nil, err
		}
	}
	return out, changes, nil
}

// Stripped reports whether the named capability is among changes.
func Stripped(changes []Change, capability string) bool {
	for _, c := range changes {
		if c.Capability == capability {
			return true
		}
	}
	return false
}
