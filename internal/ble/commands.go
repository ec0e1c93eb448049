package ble

// BLEDOM frames are 9 bytes wrapped in 0x7E ... 0xEF.

// SetPower builds and sends the power on/off command.
func (c *Controller) SetPower(isOn bool) {
	val := byte(0x00)
	if isOn {
		val = 0x01
	}
	c.Write([]byte{0x7E, 0x04, 0x04, val, 0x00, val, 0xFF, 0x00, 0xEF})
}

// SetColor builds and sends the color command.
func (c *Controller) SetColor(r, g, b int) {
	c.Write([]byte{0x7E, 0x07, 0x05, 0x03, clampByte(r), clampByte(g), clampByte(b), 0x10, 0xEF})
}

// SetBrightness builds and sends the brightness command (0..100).
func (c *Controller) SetBrightness(val int) {
	if val > 100 {
		val = 100
	}
	c.Write([]byte{0x7E, 0x04, 0x01, clampByte(val), 0xFF, 0xFF, 0xFF, 0x00, 0xEF})
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
