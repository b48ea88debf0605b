// Package command implements the typed command service: validation,
// per-robot priority queueing, dispatch, retry, and history.
package command

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"icc.tech/labcell/internal/core"
)

// Per-command-type parameter shapes. The wire keeps free-form maps; they
// are decoded into these structs at the service boundary and checked by
// the declarative validation tags.

// MoveParams covers move, pick, and place.
type MoveParams struct {
	Position     map[string]float64 `mapstructure:"position" validate:"required,min=1"`
	Speed        float64            `mapstructure:"speed" validate:"omitempty,gte=0.1,lte=100"`
	Acceleration float64            `mapstructure:"acceleration" validate:"omitempty,gte=0.1,lte=100"`
}

// HomeParams covers home.
type HomeParams struct {
	Axis string `mapstructure:"axis" validate:"omitempty,oneof=all x y z rx ry rz"`
}

// CalibrateParams covers calibrate.
type CalibrateParams struct {
	CalibrationType string `mapstructure:"calibration_type" validate:"required,oneof=position force vision all"`
}

// SequenceParams covers pickup_sequence and drop_sequence.
type SequenceParams struct {
	Start       int   `mapstructure:"start" validate:"gte=0"`
	Count       int   `mapstructure:"count" validate:"required,gte=1,lte=55"`
	RetryWafers []int `mapstructure:"retry_wafers" validate:"omitempty,dive,gte=0"`
}

// CarouselSequenceParams covers carousel_sequence.
type CarouselSequenceParams struct {
	Start int `mapstructure:"start" validate:"gte=0"`
	Count int `mapstructure:"count" validate:"required,gte=1,lte=11"`
}

// CarouselMoveParams covers carousel_move.
type CarouselMoveParams struct {
	Operation string `mapstructure:"operation" validate:"required,oneof=pickup drop"`
	WaferID   int    `mapstructure:"wafer_id" validate:"gte=0"`
	Position  *int   `mapstructure:"position" validate:"required,gte=0,lte=23"`
}

// ProtocolExecutionParams covers protocol_execution; every field is
// optional and consumed by the liquid handler side.
type ProtocolExecutionParams struct {
	ProtocolFile string         `mapstructure:"protocol_file"`
	Parameters   map[string]any `mapstructure:"parameters"`
}

// paramShapes maps each command type needing validation to a fresh decode
// target. Types not listed accept their parameters as-is.
var paramShapes = map[core.CommandType]func() any{
	core.CommandMove:              func() any { return &MoveParams{} },
	core.CommandPick:              func() any { return &MoveParams{} },
	core.CommandPlace:             func() any { return &MoveParams{} },
	core.CommandHome:              func() any { return &HomeParams{} },
	core.CommandCalibrate:         func() any { return &CalibrateParams{} },
	core.CommandPickupSequence:    func() any { return &SequenceParams{} },
	core.CommandDropSequence:      func() any { return &SequenceParams{} },
	core.CommandCarouselSequence:  func() any { return &CarouselSequenceParams{} },
	core.CommandCarouselMove:      func() any { return &CarouselMoveParams{} },
	core.CommandProtocolExecution: func() any { return &ProtocolExecutionParams{} },
}

var validate = validator.New()

// DecodeParams decodes and validates the free-form parameter map for the
// command type. It returns the typed shape (nil for types without one).
func DecodeParams(cmdType core.CommandType, params map[string]any) (any, error) {
	shape, ok := paramShapes[cmdType]
	if !ok {
		return nil, nil
	}
	target := shape()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true, // JSON numbers arrive as float64
		ErrorUnused:      false,
	})
	if err != nil {
		return nil, core.NewValidationError("parameter decoder setup failed")
	}
	if err := dec.Decode(params); err != nil {
		return nil, core.NewValidationError(
			fmt.Sprintf("parameters for %s do not match the expected shape: %v", cmdType, err))
	}
	if err := validate.Struct(target); err != nil {
		return nil, core.NewValidationError(
			fmt.Sprintf("parameters for %s failed validation: %v", cmdType, err))
	}
	return target, nil
}

// TransformParams rewrites the wire parameter map into the canonical form
// handed to processors, so the transport layer's field names never leak
// into the executor.
func TransformParams(cmdType core.CommandType, typed any) map[string]any {
	switch p := typed.(type) {
	case *SequenceParams:
		out := map[string]any{"start": p.Start, "count": p.Count}
		if len(p.RetryWafers) > 0 {
			out["retry_wafers"] = p.RetryWafers
		}
		return out
	case *CarouselSequenceParams:
		return map[string]any{"start": p.Start, "count": p.Count}
	case *CarouselMoveParams:
		return map[string]any{
			"operation": p.Operation,
			"wafer_id":  p.WaferID,
			"position":  *p.Position,
		}
	case *ProtocolExecutionParams:
		out := map[string]any{}
		if p.ProtocolFile != "" {
			out["protocol_file"] = p.ProtocolFile
		}
		if p.Parameters != nil {
			out["parameters"] = p.Parameters
		}
		return out
	}
	return nil
}
