package snapshotstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Incident is one persisted detection row (§3): one row is written per
// distinct detection write, including merges into an already-open event.
type Incident struct {
	ID           int64
	DetectedAt   time.Time
	Callsign     string
	CID          string // empty when the aircraft had no numeric CID
	Name         string
	Lat          float64
	Lon          float64
	Altitude     *float64
	Zones        []string
	EvidenceJSON string
}

// AppendIncident writes one incident row. Failures are logged by the
// caller (the intrusion tracker), matching the rest of the store's
// log-don't-crash write policy.
func (s *Store) AppendIncident(inc Incident) error {
	var altitude sql.NullFloat64
	if inc.Altitude != nil {
		altitude = sql.NullFloat64{Float64: *inc.Altitude, Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO incidents (detected_at, callsign, cid, name, lat, lon, altitude, zone, evidence_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.DetectedAt.UTC().Format(time.RFC3339Nano),
		inc.Callsign,
		nullableString(inc.CID),
		nullableString(inc.Name),
		inc.Lat,
		inc.Lon,
		altitude,
		strings.Join(inc.Zones, ","),
		inc.EvidenceJSON,
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// ListIncidents returns the newest limit incident rows, newest-first.
func (s *Store) ListIncidents(limit int) ([]Incident, error) {
	rows, err := s.db.Query(
		`SELECT id, detected_at, callsign, cid, name, lat, lon, altitude, zone, evidence_json
		 FROM incidents ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var (
			inc                  Incident
			detectedAt           string
			cid, name, zoneCSV   sql.NullString
			altitude             sql.NullFloat64
		)
		if err := rows.Scan(&inc.ID, &detectedAt, &inc.Callsign, &cid, &name, &inc.Lat, &inc.Lon, &altitude, &zoneCSV, &inc.EvidenceJSON); err != nil {
			return nil, fmt.Errorf("scan incident row: %w", err)
		}
		inc.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
		inc.CID = cid.String
		inc.Name = name.String
		if altitude.Valid {
			inc.Altitude = &altitude.Float64
		}
		if zoneCSV.String != "" {
			inc.Zones = strings.Split(zoneCSV.String, ",")
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
