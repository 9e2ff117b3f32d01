package coapnode

import (
	"fmt"
	"strings"
)

// DeviceState mirrors the physical inputs and outputs behind the buttons and
// actuators resources. The hosting environment drives the button side; the
// actuator side is driven by PUT requests.
type DeviceState struct {
	buttons [3]bool
	led     bool
	buzzer  bool
}

func NewDeviceState() *DeviceState {
	return &DeviceState{}
}

func (d *DeviceState) SetButton(idx int, pressed bool) {
	if idx >= 0 && idx < len(d.buttons) {
		d.buttons[idx] = pressed
	}
}

func (d *DeviceState) Led() bool {
	return d.led
}

func (d *DeviceState) Buzzer() bool {
	return d.buzzer
}

func (d *DeviceState) ButtonsPayload() string {
	return fmt.Sprintf("BTN1=%d, BTN2=%d, BTN3=%d",
		boolToInt(d.buttons[0]), boolToInt(d.buttons[1]), boolToInt(d.buttons[2]))
}

func (d *DeviceState) ActuatorsPayload() string {
	return fmt.Sprintf("LED=%s,BUZZER=%s", onOff(d.led), onOff(d.buzzer))
}

// ApplyActuatorDirectives applies every directive present in an ASCII PUT
// payload. Unknown text is ignored.
func (d *DeviceState) ApplyActuatorDirectives(payload string) {
	if strings.Contains(payload, "LED=ON") {
		d.led = true
	} else if strings.Contains(payload, "LED=OFF") {
		d.led = false
	}

	if strings.Contains(payload, "BUZZER=ON") {
		d.buzzer = true
	} else if strings.Contains(payload, "BUZZER=OFF") {
		d.buzzer = false
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
