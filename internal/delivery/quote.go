// Package delivery prices a delivery from the shop to a confirmed location.
package delivery

import (
	"errors"
	"math"
)

const earthRadiusKM = 6371.0

// Quote is a priced delivery.
type Quote struct {
	Price      float64
	DistanceKM float64
	ETAMinutes int
}

// Quoter prices deliveries as base + perKM * distance, rounded up to a whole
// unit of currency.
type Quoter struct {
	shopLat, shopLon float64
	base, perKM      float64
	minutesPerKM     float64
}

func NewQuoter(shopLat, shopLon, base, perKM float64) (*Quoter, error) {
	if base < 0 || perKM < 0 {
		return nil, errors.New("delivery: prices must not be negative")
	}
	if math.Abs(shopLat) > 90 || math.Abs(shopLon) > 180 {
		return nil, errors.New("delivery: shop coordinates out of range")
	}
	return &Quoter{shopLat: shopLat, shopLon: shopLon, base: base, perKM: perKM, minutesPerKM: 3}, nil
}

// Quote prices a delivery to lat/lon.
func (q *Quoter) Quote(lat, lon float64) (Quote, error) {
	if math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return Quote{}, errors.New("delivery: coordinates out of range")
	}
	d := Distance(q.shopLat, q.shopLon, lat, lon)
	return Quote{
		Price:      math.Ceil(q.base + q.perKM*d),
		DistanceKM: math.Round(d*10) / 10,
		ETAMinutes: 20 + int(math.Ceil(d*q.minutesPerKM)),
	}, nil
}

// Distance returns the great-circle distance in kilometres.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
