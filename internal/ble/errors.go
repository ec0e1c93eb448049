package ble

import "errors"

var errNoService = errors.New("BLEDOM service or characteristic not found")
