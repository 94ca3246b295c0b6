package utils

import (
	"encoding/json"
	"strconv"
)

// Uint8Arr redefines how []uint8 is marshalled to JSON
// in order to display it as a list of numbers instead of a base64 string.
type Uint8Arr []uint8

func (u Uint8Arr) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+4*len(u))
	out = append(out, '[')
	for i, v := range u {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

func (u *Uint8Arr) UnmarshalJSON(b []byte) error {
	var nums []uint8
	// a bare []uint8 target would expect base64
	var wide []uint16
	if err := json.Unmarshal(b, &wide); err != nil {
		return err
	}
	for _, v := range wide {
		if v > 0xff {
			return &json.UnsupportedValueError{Str: strconv.Itoa(int(v))}
		}
		nums = append(nums, uint8(v))
	}
	*u = nums
	return nil
}
