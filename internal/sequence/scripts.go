package sequence

import (
	"icc.tech/labcell/internal/config"
)

// scriptCommand is one parameterised arm command inside a wafer script.
// Name identifies the command for progress reporting and resume.
type scriptCommand struct {
	op   string
	args []float64
	name string
}

func cmd(op string, args []float64, name string) scriptCommand {
	return scriptCommand{op: op, args: args, name: name}
}

// scriptBuilder produces the per-wafer scripts for each operation from the
// calculator's poses and the configured motion parameters.
type scriptBuilder struct {
	calc *Calculator
	mv   config.MovementConfig
}

// pickupSetup is the once-per-sequence preamble. Skipped entirely on
// resume: re-opening the gripper would drop a held wafer.
func (b *scriptBuilder) pickupSetup() []scriptCommand {
	return []scriptCommand{
		cmd("SetGripperForce", []float64{b.mv.Force}, "set_gripper_force"),
		cmd("SetJointAcc", []float64{b.mv.Accel}, "set_joint_acc"),
		cmd("SetTorqueLimits", []float64{40, 40, 40, 40, 40, 40}, "set_torque_limits"),
		cmd("SetTorqueLimitsCfg", []float64{2, 1}, "set_torque_limits_cfg"),
		cmd("SetBlending", []float64{0}, "disable_blending"),
		cmd("SetJointVel", []float64{b.mv.AlignSpeed}, "set_align_speed"),
		cmd("SetConf", []float64{1, 1, 1}, "set_conf"),
		cmd("GripperOpen", nil, "open_gripper"),
		cmd("Delay", []float64{1}, "settle"),
	}
}

// pickupWafer moves one wafer from the inert tray to its spreader slot.
func (b *scriptBuilder) pickupWafer(waferIndex int) ([]scriptCommand, error) {
	positions, err := b.calc.IntermediatePositions(waferIndex, OpPickup)
	if err != nil {
		return nil, err
	}
	pickup, err := b.calc.WaferPosition(waferIndex, TrayInert)
	if err != nil {
		return nil, err
	}
	return []scriptCommand{
		cmd("MovePose", positions["pickup_high"], "move_to_pickup_high"),
		cmd("MovePose", pickup, "move_to_pickup"),
		cmd("Delay", []float64{1}, "delay_before_grip"),
		cmd("GripperClose", nil, "grip_wafer"),
		cmd("Delay", []float64{1}, "delay_after_grip"),
		cmd("SetJointVel", []float64{b.mv.WaferSpeed}, "set_wafer_speed"),
		cmd("MovePose", positions["intermediate_1"], "move_intermediate_1"),
		cmd("SetBlending", []float64{100}, "enable_blending"),
		cmd("MovePose", positions["intermediate_2"], "move_intermediate_2"),
		cmd("MoveLin", positions["intermediate_3"], "move_intermediate_3"),
		cmd("SetBlending", []float64{0}, "disable_blending"),
		cmd("MovePose", b.calc.SafePoint, "move_to_safe"),
		cmd("SetJointVel", []float64{b.mv.AlignSpeed}, "set_align_speed"),
		cmd("MovePose", positions["above_spreader"], "move_above_spreader"),
		cmd("MovePose", positions["spreader"], "move_to_spreader"),
		cmd("Delay", []float64{1}, "delay_before_release"),
		cmd("GripperOpen", nil, "release_wafer"),
		cmd("Delay", []float64{1}, "delay_after_release"),
		cmd("MovePose", positions["above_spreader_exit"], "exit_spreader"),
		cmd("SetJointVel", []float64{b.mv.EmptySpeed}, "set_empty_speed"),
		cmd("MovePose", b.calc.SafePoint, "return_to_safe"),
		cmd("Delay", []float64{b.mv.SpreadWait}, "spread_wait"),
	}, nil
}

// dropSetup is the preamble for the drop sequence.
func (b *scriptBuilder) dropSetup() []scriptCommand {
	return []scriptCommand{
		cmd("SetGripperForce", []float64{b.mv.Force}, "set_gripper_force"),
		cmd("SetJointAcc", []float64{b.mv.Accel}, "set_joint_acc"),
		cmd("SetBlending", []float64{0}, "disable_blending"),
		cmd("SetConf", []float64{1, 1, 1}, "set_conf"),
		cmd("GripperOpen", nil, "open_gripper"),
		cmd("Delay", []float64{1}, "settle"),
	}
}

// dropWafer moves one wafer from its spreader slot to the baking tray.
func (b *scriptBuilder) dropWafer(waferIndex int) ([]scriptCommand, error) {
	positions, err := b.calc.IntermediatePositions(waferIndex, OpDrop)
	if err != nil {
		return nil, err
	}
	return []scriptCommand{
		cmd("SetJointVel", []float64{b.mv.AlignSpeed}, "set_align_speed"),
		cmd("MovePose", positions["above_spreader"], "move_above_spreader"),
		cmd("Delay", []float64{1}, "delay_above_spreader"),
		cmd("MovePose", positions["spreader"], "move_to_spreader"),
		cmd("Delay", []float64{1}, "delay_at_spreader"),
		cmd("GripperClose", nil, "grip_wafer"),
		cmd("Delay", []float64{1}, "delay_after_grip"),
		cmd("MovePose", positions["above_spreader_pickup"], "move_up_from_spreader"),
		cmd("SetJointVel", []float64{b.mv.Speed}, "set_travel_speed"),
		cmd("MovePose", b.calc.SafePoint, "move_to_safe"),
		cmd("MovePose", positions["baking_align1"], "move_baking_align1"),
		cmd("SetJointVel", []float64{b.mv.AlignSpeed}, "set_align_speed_baking"),
		cmd("SetBlending", []float64{100}, "enable_blending"),
		cmd("MovePose", positions["baking_align2"], "move_baking_align2"),
		cmd("MovePose", positions["baking_align3"], "move_baking_align3"),
		cmd("MovePose", positions["baking_align4"], "move_baking_align4"),
		cmd("Delay", []float64{1}, "delay_before_release"),
		cmd("GripperOpen", nil, "release_wafer"),
		cmd("Delay", []float64{0.5}, "delay_after_release"),
		cmd("MovePose", positions["baking_up"], "move_up_from_baking"),
		cmd("SetJointVel", []float64{b.mv.Speed}, "set_return_speed"),
		cmd("SetBlending", []float64{0}, "disable_blending"),
		cmd("MovePose", b.calc.SafePoint, "return_to_safe"),
	}, nil
}

// carouselSetup configures the arm for the carousel approach geometry.
func (b *scriptBuilder) carouselSetup() []scriptCommand {
	return []scriptCommand{
		cmd("SetConf", []float64{1, 1, -1}, "set_conf_carousel"),
		cmd("Delay", []float64{3}, "settle"),
	}
}

// carouselWafer moves one wafer from the baking tray into the carousel,
// traversing the photogate pair on the way in.
func (b *scriptBuilder) carouselWafer(waferIndex int) ([]scriptCommand, error) {
	positions, err := b.calc.IntermediatePositions(waferIndex, OpCarousel)
	if err != nil {
		return nil, err
	}
	baking, err := b.calc.WaferPosition(waferIndex, TrayBaking)
	if err != nil {
		return nil, err
	}

	script := []scriptCommand{}
	// The carousel holds 11 wafers; the first wafer of each batch waits for
	// the carousel to finish indexing.
	if waferIndex%11 == 0 {
		script = append(script, cmd("Delay", []float64{5}, "carousel_index_wait"))
	}
	script = append(script,
		cmd("GripperOpen", nil, "open_gripper"),
		cmd("Delay", []float64{1}, "settle"),
		cmd("SetJointVel", []float64{b.mv.Speed}, "set_travel_speed"),
		cmd("MovePose", positions["above_baking"], "move_above_baking"),
		cmd("SetJointVel", []float64{b.mv.AlignSpeed}, "set_align_speed"),
		cmd("SetBlending", []float64{0}, "disable_blending"),
		cmd("MovePose", baking, "move_to_baking"),
		cmd("Delay", []float64{0.5}, "delay_before_grip"),
		cmd("GripperClose", nil, "grip_wafer"),
		cmd("Delay", []float64{0.5}, "delay_after_grip"),
		cmd("SetBlending", []float64{100}, "enable_blending"),
		cmd("MovePose", positions["move1"], "move_path_1"),
		cmd("SetJointVel", []float64{b.mv.Speed}, "set_travel_speed_2"),
		cmd("MovePose", positions["move2"], "move_path_2"),
		cmd("MovePose", positions["move3"], "move_path_3"),
		cmd("MovePose", positions["move4"], "move_path_4"),
		cmd("Delay", []float64{0.5}, "settle_path"),
		cmd("SetBlending", []float64{80}, "blend_photogate"),
		cmd("MovePose", b.calc.TPhotogate, "traverse_t_photogate"),
		cmd("MovePose", b.calc.CPhotogate, "traverse_c_photogate"),
		cmd("MovePose", positions["y_away1"], "approach_y_away1"),
		cmd("SetBlending", []float64{0}, "disable_blending_entry"),
		cmd("Delay", []float64{1}, "settle_entry"),
		cmd("SetJointVel", []float64{b.mv.EntrySpeed}, "set_entry_speed"),
		cmd("MovePose", positions["y_away2"], "approach_y_away2"),
		cmd("MovePose", positions["above_carousel1"], "above_carousel_1"),
		cmd("MovePose", positions["above_carousel2"], "above_carousel_2"),
		cmd("MovePose", positions["above_carousel3"], "above_carousel_3"),
		cmd("MovePose", b.calc.carousel, "move_to_carousel"),
		cmd("Delay", []float64{0.5}, "delay_before_release"),
		cmd("MoveGripper", []float64{2.9}, "release_into_carousel"),
		cmd("Delay", []float64{0.5}, "delay_after_release"),
		cmd("SetJointVel", []float64{b.mv.EmptySpeed}, "set_empty_speed"),
		cmd("MovePose", positions["above_carousel3"], "exit_carousel_3"),
		cmd("MovePose", positions["above_carousel2"], "exit_carousel_2"),
		cmd("MovePose", positions["above_carousel1"], "exit_carousel_1"),
		cmd("MovePose", positions["y_away2"], "exit_y_away2"),
		cmd("MovePose", positions["y_away1"], "exit_y_away1"),
		cmd("MovePose", b.calc.CarouselSafe, "return_to_carousel_safe"),
		cmd("SetBlending", []float64{100}, "restore_blending"),
	)
	return script, nil
}

// emptyCarouselWafer retrieves one wafer from the carousel back onto the
// baking tray: the carousel path in reverse.
func (b *scriptBuilder) emptyCarouselWafer(waferIndex int) ([]scriptCommand, error) {
	positions, err := b.calc.IntermediatePositions(waferIndex, OpEmptyCarousel)
	if err != nil {
		return nil, err
	}
	baking, err := b.calc.WaferPosition(waferIndex, TrayBaking)
	if err != nil {
		return nil, err
	}
	return []scriptCommand{
		cmd("GripperOpen", nil, "open_gripper"),
		cmd("SetJointVel", []float64{b.mv.Speed}, "set_travel_speed"),
		cmd("MovePose", b.calc.CarouselSafe, "move_to_carousel_safe"),
		cmd("SetJointVel", []float64{b.mv.EntrySpeed}, "set_entry_speed"),
		cmd("MovePose", positions["y_away1"], "approach_y_away1"),
		cmd("MovePose", positions["y_away2"], "approach_y_away2"),
		cmd("MovePose", positions["above_carousel"], "above_carousel"),
		cmd("MovePose", b.calc.carousel, "move_to_carousel"),
		cmd("Delay", []float64{0.5}, "delay_before_grip"),
		cmd("GripperClose", nil, "grip_wafer"),
		cmd("Delay", []float64{0.5}, "delay_after_grip"),
		cmd("MovePose", positions["above_carousel"], "lift_from_carousel"),
		cmd("MovePose", positions["y_away2"], "exit_y_away2"),
		cmd("MovePose", positions["y_away1"], "exit_y_away1"),
		cmd("SetJointVel", []float64{b.mv.Speed}, "set_return_speed"),
		cmd("MovePose", positions["move4_rev"], "return_path_4"),
		cmd("MovePose", positions["move3_rev"], "return_path_3"),
		cmd("MovePose", positions["move2_rev"], "return_path_2"),
		cmd("MovePose", positions["move1_rev"], "return_path_1"),
		cmd("SetJointVel", []float64{b.mv.AlignSpeed}, "set_align_speed"),
		cmd("MovePose", positions["above_baking_rev"], "above_baking"),
		cmd("MovePose", baking, "move_to_baking"),
		cmd("Delay", []float64{0.5}, "delay_before_release"),
		cmd("GripperOpen", nil, "release_wafer"),
		cmd("Delay", []float64{0.5}, "delay_after_release"),
		cmd("MovePose", positions["above_baking_rev"], "lift_from_baking"),
		cmd("MovePose", b.calc.SafePoint, "return_to_safe"),
	}, nil
}
