package graph

import (
	"strconv"
	"strings"
)

type ChannelPosition int

const (
	PositionInvalid ChannelPosition = iota - 1
	PositionMono
	PositionFrontLeft
	PositionFrontRight
	PositionFrontCenter
	PositionRearCenter
	PositionRearLeft
	PositionRearRight
	PositionLFE
	PositionFrontLeftOfCenter
	PositionFrontRightOfCenter
	PositionSideLeft
	PositionSideRight
	PositionAux0
)

const auxCount = 32

const (
	PositionTopCenter ChannelPosition = PositionAux0 + auxCount + iota
	PositionTopFrontLeft
	PositionTopFrontRight
	PositionTopFrontCenter
	PositionTopRearLeft
	PositionTopRearRight
	PositionTopRearCenter
)

var positionNames = map[string]ChannelPosition{
	"mono":                  PositionMono,
	"front-left":            PositionFrontLeft,
	"left":                  PositionFrontLeft,
	"front-right":           PositionFrontRight,
	"right":                 PositionFrontRight,
	"front-center":          PositionFrontCenter,
	"center":                PositionFrontCenter,
	"rear-center":           PositionRearCenter,
	"rear-left":             PositionRearLeft,
	"rear-right":            PositionRearRight,
	"lfe":                   PositionLFE,
	"subwoofer":             PositionLFE,
	"front-left-of-center":  PositionFrontLeftOfCenter,
	"front-right-of-center": PositionFrontRightOfCenter,
	"side-left":             PositionSideLeft,
	"side-right":            PositionSideRight,
	"top-center":            PositionTopCenter,
	"top-front-left":        PositionTopFrontLeft,
	"top-front-right":       PositionTopFrontRight,
	"top-front-center":      PositionTopFrontCenter,
	"top-rear-left":         PositionTopRearLeft,
	"top-rear-right":        PositionTopRearRight,
	"top-rear-center":       PositionTopRearCenter,
}

var positionLabels = map[ChannelPosition]string{
	PositionMono:               "M",
	PositionFrontLeft:          "L",
	PositionFrontRight:         "R",
	PositionFrontCenter:        "C",
	PositionRearCenter:         "RC",
	PositionRearLeft:           "RL",
	PositionRearRight:          "RR",
	PositionLFE:                "SW",
	PositionFrontLeftOfCenter:  "FLC",
	PositionFrontRightOfCenter: "FRC",
	PositionSideLeft:           "SL",
	PositionSideRight:          "SR",
	PositionTopCenter:          "TC",
	PositionTopFrontLeft:       "TFL",
	PositionTopFrontRight:      "TFR",
	PositionTopFrontCenter:     "TFC",
	PositionTopRearLeft:        "TRL",
	PositionTopRearRight:       "TRR",
	PositionTopRearCenter:      "TRC",
}

// ParseChannelPosition accepts protocol position names such as
// "front-left" or "aux7". Unknown names map to PositionInvalid.
func ParseChannelPosition(raw string) ChannelPosition {
	name := strings.ToLower(strings.TrimSpace(raw))
	if pos, ok := positionNames[name]; ok {
		return pos
	}
	if rest, ok := strings.CutPrefix(name, "aux"); ok {
		n, err := strconv.Atoi(rest)
		if err == nil && n >= 0 && n < auxCount {
			return PositionAux0 + ChannelPosition(n)
		}
	}
	return PositionInvalid
}

// Label is the short tag shown next to a channel's level.
func (p ChannelPosition) Label() string {
	if label, ok := positionLabels[p]; ok {
		return label
	}
	if p >= PositionAux0 && p < PositionAux0+auxCount {
		return "A" + strconv.Itoa(int(p-PositionAux0))
	}
	return "?"
}

func (p ChannelPosition) String() string {
	return p.Label()
}
