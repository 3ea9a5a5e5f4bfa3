package models

// FileList is the response of GET /files.
type FileList struct {
	FileNames []string `json:"file_names"`
}

// StationIDs is the response of GET /stations.
type StationIDs struct {
	StationIDs []string `json:"station_ids"`
}

// Observation summarizes one station's readings over a query window.
type Observation struct {
	StationID string   `json:"station_id"`
	StartTime string   `json:"start_time"`
	EndTime   string   `json:"end_time"`
	TempLow   *float64 `json:"temp_low"`
	TempHigh  *float64 `json:"temp_high"`
	WindSpeed *int64   `json:"wind_speed"`
}

// Forecast summarizes one station's forecast periods starting on Date (UTC).
type Forecast struct {
	StationID string `json:"station_id"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	TempLow   *int64 `json:"temp_low"`
	TempHigh  *int64 `json:"temp_high"`
	WindSpeed *int64 `json:"wind_speed"`
}

// Station is a reporting station seen in recent observations.
type Station struct {
	StationID   string  `json:"station_id"`
	StationName string  `json:"station_name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}
