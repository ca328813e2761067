package models

import "time"

// Location is a WGS84 coordinate pair as sent by clients.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Arrival is a recorded "I arrived" presence event. Timestamp is assigned by
// the server, never taken from the client.
type Arrival struct {
	ID        int64     `db:"id"`
	UserID    UserID    `db:"user_id"`
	Latitude  float64   `db:"latitude"`
	Longitude float64   `db:"longitude"`
	Timestamp time.Time `db:"arrived_at"`
}

// Location returns the coordinates of the arrival.
func (a *Arrival) Location() Location {
	return Location{Lat: a.Latitude, Lng: a.Longitude}
}

// LocationRequest records one user asking another where they are.
type LocationRequest struct {
	ID          int64     `db:"id"`
	From        UserID    `db:"from_user"`
	To          UserID    `db:"to_user"`
	RequestedAt time.Time `db:"requested_at"`
}
