// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package units converts the textual periods, limits and speeds of the
// definitions into canonical integer units: seconds, kilo-units with their
// multiplier, and kbps.
package units

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
)

// Multipliers of limit values.
const (
	Decimal uint32 = 1000
	Binary  uint32 = 1024
)

var (
	periodRe = regexp.MustCompile(`^([0-9]+)\s*([sSmMhHdDwW])?$`)
	limitRe  = regexp.MustCompile(`^([0-9]+)\s*(?:([kKmMgG])([iI])?[bB]?)?$`)
	speedRe  = regexp.MustCompile(`^([0-9]+)\s*([kKmMgG])?(bps|b/s|Bps|B/s)?$`)
)

func invalid(kind, s string) error {
	return sqerrors.NewKind(sqerrors.InvalidFormat, "invalid %s `%s`", kind, s)
}

func parseUint(kind, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, sqerrors.WrapKind(err, sqerrors.InvalidFormat, "invalid %s value `%s`", kind, s)
	}
	return v, nil
}

// scale multiplies the value of `s` by the factor, rejecting the values
// overflowing 64 bits.
func scale(kind, s string, v, factor uint64) (uint64, error) {
	if factor != 0 && v > math.MaxUint64/factor {
		return 0, sqerrors.NewKind(sqerrors.InvalidFormat, "%s `%s` out of range", kind, s)
	}
	return v * factor, nil
}

// Period returns the number of seconds of the given period. Units are
// case-insensitive `s`, `m`, `h`, `d` and `w`. A value without unit is in
// seconds.
func Period(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	m := periodRe.FindStringSubmatch(s)
	if m == nil {
		return 0, invalid("period", s)
	}
	v, err := parseUint("period", m[1])
	if err != nil {
		return 0, err
	}
	var factor uint64 = 1
	if m[2] != "" {
		switch m[2][0] | 0x20 {
		case 'm':
			factor = 60
		case 'h':
			factor = 60 * 60
		case 'd':
			factor = 60 * 60 * 24
		case 'w':
			factor = 60 * 60 * 24 * 7
		}
	}
	return scale("period", s, v, factor)
}

// Limit returns the given byte limit in kilo-units along with the multiplier
// of the unit. The `i` suffix after the unit letter selects the binary
// multiplier 1024, otherwise it is 1000. A value without unit is already in
// kilo-units.
//
//	"500k"  -> 500, 1000
//	"10Mi"  -> 10240, 1024
//	"2GB"   -> 2000000, 1000
func Limit(s string) (kilo uint64, mult uint32, err error) {
	s = strings.TrimSpace(s)
	m := limitRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, invalid("limit", s)
	}
	v, err := parseUint("limit", m[1])
	if err != nil {
		return 0, 0, err
	}
	mult = Decimal
	if m[3] != "" {
		mult = Binary
	}
	if m[2] == "" {
		return v, mult, nil
	}
	var factor uint64 = 1
	switch m[2][0] | 0x20 {
	case 'm':
		factor = uint64(mult)
	case 'g':
		factor = uint64(mult) * uint64(mult)
	}
	if v, err = scale("limit", s, v, factor); err != nil {
		return 0, 0, err
	}
	return v, mult, nil
}

// Speed returns the given speed in kbps. Speeds in bytes per second
// (`B/s`, `Bps`) are multiplied by 8. Unit letters `k`, `m` and `g` are
// binary. A value without unit is already in kbps.
func Speed(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	m := speedRe.FindStringSubmatch(s)
	if m == nil {
		return 0, invalid("speed", s)
	}
	v, err := parseUint("speed", m[1])
	if err != nil {
		return 0, err
	}
	var factor uint64 = 1
	if strings.HasPrefix(m[3], "B") {
		factor = 8
	}
	if m[2] != "" {
		switch m[2][0] | 0x20 {
		case 'm':
			factor *= 1024
		case 'g':
			factor *= 1024 * 1024
		}
	}
	return scale("speed", s, v, factor)
}

// FormatPeriod returns the human-readable form of the given number of
// seconds, such as `1W 2D 03:04:05`.
func FormatPeriod(sec uint64) string {
	s := sec % 60
	sec /= 60
	m := sec % 60
	sec /= 60
	h := sec % 24
	sec /= 24
	d := sec % 7
	w := sec / 7
	return fmt.Sprintf("%dW %dD %02d:%02d:%02d", w, d, h, m, s)
}

// FormatSize returns the human-readable form of the given amount of
// kilo-units using the multiplier `mult` (1000 when zero). The value is
// truncated to two decimals.
func FormatSize(kilo uint64, mult uint32) string {
	if mult == 0 {
		mult = Decimal
	}
	m := float64(mult)
	var (
		v    float64
		unit string
	)
	switch k := float64(kilo); {
	case k >= m*m:
		v, unit = k/(m*m), "G"
	case k >= m:
		v, unit = k/m, "M"
	default:
		v, unit = k, "K"
	}
	if mult == Binary {
		unit += "i"
	}
	v = math.Trunc(v*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + unit + "B"
}
