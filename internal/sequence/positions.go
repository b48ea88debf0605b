// Package sequence implements the multi-wafer sequence executor and the
// position calculator feeding it.
package sequence

import (
	"fmt"

	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
)

// Tray and operation identifiers used across the sequence layer.
const (
	TrayInert    = "inert"
	TrayBaking   = "baking"
	TrayCarousel = "carousel"

	OpPickup        = "pickup"
	OpDrop          = "drop"
	OpCarousel      = "carousel"
	OpEmptyCarousel = "empty_carousel"
)

// Taught fallback poses, used when configuration carries no override.
var (
	defaultFirstWafer   = []float64{173.562, -175.178, 27.9714, 109.5547, 0.2877, -90.059}
	defaultFirstBaking  = []float64{-141.6702, -170.5871, 27.9420, -178.2908, -69.0556, 1.7626}
	defaultCarousel     = []float64{133.8, -247.95, 101.9, 90, 0, -90}
	defaultSafePoint    = []float64{135, -17.6177, 160, 123.2804, 40.9554, -101.3308}
	defaultCarouselSafe = []float64{25.567, -202.630, 179.700, 90.546, 0.866, -90.882}
	defaultTPhotogate   = []float64{53.8, -217.2, 94.9, 90, 0, -90}
	defaultCPhotogate   = []float64{84.1, -217.2, 94.9, 90, 0, -90}

	defaultGenDrop = [][]float64{
		{130.2207, 159.230, 123.400, 179.7538, -0.4298, -89.9617},
		{85.5707, 159.4300, 123.400, 179.7538, -0.4298, -89.6617},
		{41.0207, 159.4300, 123.400, 179.7538, -0.4298, -89.6617},
		{-3.5793, 159.3300, 123.400, 179.7538, -0.4298, -89.6617},
		{-47.9793, 159.2300, 123.400, 179.7538, -0.4298, -89.6617},
	}
)

// Calculator derives every pose a wafer sequence needs from the taught base
// positions plus per-operation offsets. It is pure: same inputs, same poses.
type Calculator struct {
	firstWafer   []float64
	firstBaking  []float64
	carousel     []float64
	SafePoint    []float64
	CarouselSafe []float64
	TPhotogate   []float64
	CPhotogate   []float64
	genDrop      [][]float64

	gap     float64
	offsets map[string]map[string]float64
}

// NewCalculator builds a calculator from the arm configuration.
func NewCalculator(cfg config.MecaConfig) *Calculator {
	pick := func(v, def []float64) []float64 {
		if len(v) == 6 {
			return v
		}
		return def
	}
	genDrop := cfg.Positions.GenDrop
	if len(genDrop) == 0 {
		genDrop = defaultGenDrop
	}
	gap := cfg.Movement.GapWafers
	if gap == 0 {
		gap = 2.7
	}
	return &Calculator{
		firstWafer:   pick(cfg.Positions.FirstWafer, defaultFirstWafer),
		firstBaking:  pick(cfg.Positions.FirstBaking, defaultFirstBaking),
		carousel:     pick(cfg.Positions.Carousel, defaultCarousel),
		SafePoint:    pick(cfg.Positions.SafePoint, defaultSafePoint),
		CarouselSafe: pick(cfg.Positions.CarouselSafe, defaultCarouselSafe),
		TPhotogate:   pick(cfg.Positions.TPhotogate, defaultTPhotogate),
		CPhotogate:   pick(cfg.Positions.CPhotogate, defaultCPhotogate),
		genDrop:      genDrop,
		gap:          gap,
		offsets:      cfg.Offsets,
	}
}

// offset looks up a named per-operation offset; missing entries are zero.
func (c *Calculator) offset(operation, name string) float64 {
	if ops, ok := c.offsets[operation]; ok {
		return ops[name]
	}
	return 0
}

func clonePose(p []float64) []float64 {
	out := make([]float64, len(p))
	copy(out, p)
	return out
}

// WaferPosition returns the slot pose for a wafer index on the given tray.
// Inert tray slots step along Y, baking tray slots along X; the carousel
// has a single load pose.
func (c *Calculator) WaferPosition(waferIndex int, tray string) ([]float64, error) {
	switch tray {
	case TrayInert:
		p := clonePose(c.firstWafer)
		p[1] += c.gap * float64(waferIndex)
		return p, nil
	case TrayBaking:
		p := clonePose(c.firstBaking)
		p[0] += c.gap * float64(waferIndex)
		return p, nil
	case TrayCarousel:
		return clonePose(c.carousel), nil
	}
	return nil, core.NewValidationError(fmt.Sprintf("unknown tray type %q", tray))
}

// spreaderSlot maps a wafer index onto one of the five spreader drop slots,
// filling them right to left.
func (c *Calculator) spreaderSlot(waferIndex int) []float64 {
	idx := (len(c.genDrop) - 1) - (waferIndex % len(c.genDrop))
	return c.genDrop[idx]
}

// IntermediatePositions returns the named waypoint poses for one wafer of
// the given operation.
func (c *Calculator) IntermediatePositions(waferIndex int, operation string) (map[string][]float64, error) {
	switch operation {
	case OpPickup:
		return c.pickupPositions(waferIndex), nil
	case OpDrop:
		return c.dropPositions(waferIndex), nil
	case OpCarousel:
		return c.carouselPositions(waferIndex), nil
	case OpEmptyCarousel:
		return c.emptyCarouselPositions(waferIndex), nil
	}
	return nil, core.NewValidationError(fmt.Sprintf("unknown operation %q", operation))
}

func (c *Calculator) pickupPositions(waferIndex int) map[string][]float64 {
	off := func(name string) float64 { return c.offset(OpPickup, name) }
	positions := make(map[string][]float64)

	pickup, _ := c.WaferPosition(waferIndex, TrayInert)
	high := clonePose(pickup)
	high[1] += off("pickup_high_y")
	high[2] += off("pickup_high_z")
	positions["pickup_high"] = high

	inter1 := clonePose(c.firstWafer)
	inter1[1] += c.gap*float64(waferIndex) + off("intermediate_1_y")
	inter1[2] += off("intermediate_1_z")
	positions["intermediate_1"] = inter1

	inter2 := clonePose(inter1)
	inter2[1] += off("intermediate_2_y")
	inter2[2] += off("intermediate_2_z")
	positions["intermediate_2"] = inter2

	inter3 := clonePose(inter2)
	inter3[1] += off("intermediate_3_y")
	inter3[2] += off("intermediate_3_z")
	positions["intermediate_3"] = inter3

	slot := c.spreaderSlot(waferIndex)
	above := clonePose(slot)
	above[2] += off("above_spreader_z")
	positions["above_spreader"] = above
	positions["spreader"] = clonePose(slot)
	exit := clonePose(slot)
	exit[2] += off("above_spreader_exit_z")
	positions["above_spreader_exit"] = exit

	return positions
}

func (c *Calculator) dropPositions(waferIndex int) map[string][]float64 {
	off := func(name string) float64 { return c.offset(OpDrop, name) }
	positions := make(map[string][]float64)

	slot := c.spreaderSlot(waferIndex)
	above := clonePose(slot)
	above[2] += off("above_spreader_z")
	positions["above_spreader"] = above
	positions["spreader"] = clonePose(slot)
	pickupUp := clonePose(slot)
	pickupUp[2] += off("above_spreader_pickup_z")
	positions["above_spreader_pickup"] = pickupUp

	for i := 1; i <= 4; i++ {
		name := fmt.Sprintf("baking_align%d", i)
		p := clonePose(c.firstBaking)
		p[0] += c.gap*float64(waferIndex) + off(name+"_x")
		p[1] += off(name + "_y")
		p[2] += off(name + "_z")
		positions[name] = p
	}

	up := clonePose(c.firstBaking)
	up[0] += c.gap * float64(waferIndex)
	up[2] += off("baking_up_z")
	positions["baking_up"] = up

	return positions
}

func (c *Calculator) carouselPositions(waferIndex int) map[string][]float64 {
	off := func(name string) float64 { return c.offset(OpCarousel, name) }
	positions := make(map[string][]float64)

	above := clonePose(c.firstBaking)
	above[0] += c.gap * float64(waferIndex)
	above[2] += off("above_baking_z")
	positions["above_baking"] = above

	for i := 1; i <= 4; i++ {
		name := fmt.Sprintf("move%d", i)
		p := clonePose(c.firstBaking)
		p[0] += c.gap*float64(waferIndex) + off(name+"_x")
		p[2] += off(name + "_z")
		positions[name] = p
	}

	for _, name := range []string{"y_away1", "y_away2"} {
		p := clonePose(c.carousel)
		p[1] = off(name + "_y")
		p[2] = off(name + "_z")
		positions[name] = p
	}
	for i := 1; i <= 3; i++ {
		name := fmt.Sprintf("above_carousel%d", i)
		p := clonePose(c.carousel)
		p[2] = off(name + "_z")
		positions[name] = p
	}

	return positions
}

func (c *Calculator) emptyCarouselPositions(waferIndex int) map[string][]float64 {
	off := func(name string) float64 { return c.offset(OpEmptyCarousel, name) }
	carouselOff := func(name string) float64 { return c.offset(OpCarousel, name) }
	positions := make(map[string][]float64)

	for _, name := range []string{"y_away1", "y_away2"} {
		p := clonePose(c.carousel)
		p[1] = off(name + "_y")
		p[2] = off(name + "_z")
		positions[name] = p
	}

	above := clonePose(c.carousel)
	above[2] = off("above_carousel_z")
	positions["above_carousel"] = above

	// The return path retraces the carousel approach in reverse, so the X/Z
	// offsets come from the forward operation.
	for i := 4; i >= 1; i-- {
		name := fmt.Sprintf("move%d_rev", i)
		fwd := fmt.Sprintf("move%d", i)
		p := clonePose(c.firstBaking)
		p[0] += c.gap*float64(waferIndex) + carouselOff(fwd+"_x")
		p[1] += off("move_rev_y")
		p[2] += carouselOff(fwd + "_z")
		positions[name] = p
	}

	aboveBaking := clonePose(c.firstBaking)
	aboveBaking[0] += c.gap * float64(waferIndex)
	aboveBaking[2] += off("above_baking_rev_z")
	positions["above_baking_rev"] = aboveBaking

	return positions
}
