// Package console translates raw PS/2 Set-1 scancodes into ASCII,
// the step the input driver itself does not take: ps2_poll in the
// original keyboard driver hands back a bare (scancode, modifier)
// pair and leaves interpretation to whoever reads the stream.
package console

import "hydra/internal/device"

// lowerRow is the Set-1 scancode -> unshifted ASCII table for the
// printable keys on a US QWERTY layout. A zero entry means the
// scancode has no ASCII representation (function keys, releases,
// extended-prefix codes, ...).
var lowerRow = [128]byte{
	0x02: '1', 0x03: '2', 0x04: '3', 0x05: '4', 0x06: '5',
	0x07: '6', 0x08: '7', 0x09: '8', 0x0A: '9', 0x0B: '0',
	0x0C: '-', 0x0D: '=',
	0x0F: '\t',
	0x10: 'q', 0x11: 'w', 0x12: 'e', 0x13: 'r', 0x14: 't',
	0x15: 'y', 0x16: 'u', 0x17: 'i', 0x18: 'o', 0x19: 'p',
	0x1A: '[', 0x1B: ']', 0x1C: '\n',
	0x1E: 'a', 0x1F: 's', 0x20: 'd', 0x21: 'f', 0x22: 'g',
	0x23: 'h', 0x24: 'j', 0x25: 'k', 0x26: 'l',
	0x27: ';', 0x28: '\'', 0x29: '`',
	0x2B: '\\',
	0x2C: 'z', 0x2D: 'x', 0x2E: 'c', 0x2F: 'v', 0x30: 'b',
	0x31: 'n', 0x32: 'm',
	0x33: ',', 0x34: '.', 0x35: '/',
	0x37: '*',
	0x39: ' ',
}

// upperRow is the shifted variant of lowerRow: the characters a key
// produces while Shift is held (or, for letters, while Caps Lock is
// active without Shift).
var upperRow = [128]byte{
	0x02: '!', 0x03: '@', 0x04: '#', 0x05: '$', 0x06: '%',
	0x07: '^', 0x08: '&', 0x09: '*', 0x0A: '(', 0x0B: ')',
	0x0C: '_', 0x0D: '+',
	0x0F: '\t',
	0x10: 'Q', 0x11: 'W', 0x12: 'E', 0x13: 'R', 0x14: 'T',
	0x15: 'Y', 0x16: 'U', 0x17: 'I', 0x18: 'O', 0x19: 'P',
	0x1A: '{', 0x1B: '}', 0x1C: '\n',
	0x1E: 'A', 0x1F: 'S', 0x20: 'D', 0x21: 'F', 0x22: 'G',
	0x23: 'H', 0x24: 'J', 0x25: 'K', 0x26: 'L',
	0x27: ':', 0x28: '"', 0x29: '~',
	0x2B: '|',
	0x2C: 'Z', 0x2D: 'X', 0x2E: 'C', 0x2F: 'V', 0x30: 'B',
	0x31: 'N', 0x32: 'M',
	0x33: '<', 0x34: '>', 0x35: '?',
	0x37: '*',
	0x39: ' ',
}

func isLetter(scancode uint8) bool {
	_, ok := letterScancodes[scancode]
	return ok
}

var letterScancodes = map[uint8]bool{
	0x10: true, 0x11: true, 0x12: true, 0x13: true, 0x14: true,
	0x15: true, 0x16: true, 0x17: true, 0x18: true, 0x19: true,
	0x1E: true, 0x1F: true, 0x20: true, 0x21: true, 0x22: true,
	0x23: true, 0x24: true, 0x25: true, 0x26: true,
	0x2C: true, 0x2D: true, 0x2E: true, 0x2F: true, 0x30: true,
	0x31: true, 0x32: true,
}

// TranslateScancode converts a raw Set-1 scancode plus held modifiers
// into an ASCII byte. ok is false for scancodes with no ASCII
// representation (function keys, arrow keys, releases already
// filtered by the caller).
func TranslateScancode(scancode uint8, mod device.InputModifier) (ascii byte, ok bool) {
	if int(scancode) >= len(lowerRow) {
		return 0, false
	}

	shifted := mod&device.ModShift != 0
	if mod&device.ModCapsLock != 0 && isLetter(scancode) {
		shifted = !shifted
	}

	var c byte
	if shifted {
		c = upperRow[scancode]
	} else {
		c = lowerRow[scancode]
	}
	if c == 0 {
		return 0, false
	}

	if mod&device.ModCtrl != 0 && isLetter(scancode) {
		// Ctrl+letter maps to its control code (Ctrl-A = 0x01, ...),
		// matching the usual terminal convention.
		upper := upperRow[scancode]
		return upper - 'A' + 1, true
	}

	return c, true
}
