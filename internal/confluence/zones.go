package confluence

import (
	"github.com/triframe/triframe/internal/domain"
)

// Composite score weights per timeframe. The higher timeframe dominates.
const (
	weightHTF = 0.50
	weightITF = 0.30
	weightLTF = 0.20
)

// Band is one timeframe's range assessment against the current price.
type Band struct {
	Timeframe domain.Timeframe `json:"timeframe"`
	Low       float64          `json:"low"`
	High      float64          `json:"high"`
	ZoneTop   float64          `json:"zone_top"`
	InZone    bool             `json:"in_zone"`
}

// NewBand computes the range over a window and classifies price against the
// buy zone, the bottom zoneFraction of the range.
func NewBand(window []domain.Candle, zoneFraction, price float64) Band {
	b := Band{}
	if len(window) == 0 {
		return b
	}
	b.Timeframe = window[0].Timeframe
	b.Low = window[0].Low
	b.High = window[0].High
	for _, c := range window[1:] {
		if c.Low < b.Low {
			b.Low = c.Low
		}
		if c.High > b.High {
			b.High = c.High
		}
	}
	b.ZoneTop = domain.Round2(b.Low + zoneFraction*(b.High-b.Low))
	b.InZone = price >= b.Low && price <= b.ZoneTop
	return b
}

// Assessment is one full three-timeframe evaluation at a price point.
type Assessment struct {
	HTF   Band    `json:"htf"`
	ITF   Band    `json:"itf"`
	LTF   Band    `json:"ltf"`
	Score float64 `json:"score"`

	ConfluenceType domain.ConfluenceType `json:"confluence_type"`
	Strength       domain.SignalStrength `json:"strength"`
}

// Assess scores price against all three timeframe bands.
func Assess(htf, itf, ltf []domain.Candle, zoneFraction, price float64) Assessment {
	a := Assessment{
		HTF: NewBand(htf, zoneFraction, price),
		ITF: NewBand(itf, zoneFraction, price),
		LTF: NewBand(ltf, zoneFraction, price),
	}

	count := 0
	if a.HTF.InZone {
		a.Score += weightHTF
		count++
	}
	if a.ITF.InZone {
		a.Score += weightITF
		count++
	}
	if a.LTF.InZone {
		a.Score += weightLTF
		count++
	}

	switch count {
	case 3:
		a.ConfluenceType = domain.ConfluenceTriple
	case 2:
		a.ConfluenceType = domain.ConfluenceDouble
	case 1:
		a.ConfluenceType = domain.ConfluenceSingle
	}
	a.Strength = domain.StrengthForScore(a.Score)
	return a
}

// InAnyZone reports whether at least one timeframe holds price in its zone.
func (a Assessment) InAnyZone() bool {
	return a.HTF.InZone || a.ITF.InZone || a.LTF.InZone
}

// EntryRange is the intersection of the participating buy zones. Because
// price sits inside every participating zone, the intersection is never
// empty.
func (a Assessment) EntryRange() (floor, ceiling float64) {
	first := true
	for _, b := range []Band{a.HTF, a.ITF, a.LTF} {
		if !b.InZone {
			continue
		}
		if first {
			floor, ceiling = b.Low, b.ZoneTop
			first = false
			continue
		}
		if b.Low > floor {
			floor = b.Low
		}
		if b.ZoneTop < ceiling {
			ceiling = b.ZoneTop
		}
	}
	return domain.Round2(floor), domain.Round2(ceiling)
}

// RawKelly derives the Kelly fraction from a win probability and a payoff
// ratio, clamped at zero for unfavorable odds.
func RawKelly(pWin, payoffRatio float64) float64 {
	if payoffRatio <= 0 {
		return 0
	}
	k := pWin - (1-pWin)/payoffRatio
	if k < 0 {
		return 0
	}
	return k
}
