package models

import "time"

type LoadTest struct {
	ID                 string
	UserID             string
	Name               string
	URLs               []byte
	ConcurrencyPattern []byte
	PhaseLength        int
	RampUpTime         int
	RampDownTime       int
	Status             string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

type Phase struct {
	ID           int64
	TestID       string
	UserID       string
	PhaseNumber  int
	TotalPhases  int
	Concurrency  int
	Requests     int64
	SuccessCount int64
	ErrorCount   int64
	P50          *float64
	P95          *float64
	P99          *float64
	CreatedAt    time.Time
}

type Result struct {
	ID                 string
	TestID             string
	UserID             string
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	AvgResponseTime    int64
	MinResponseTime    int64
	MaxResponseTime    int64
	P50ResponseTime    int64
	P95ResponseTime    int64
	P99ResponseTime    int64
	RequestsPerSecond  int64
	URLBreakdown       []byte
	PhaseMetrics       []byte
	CreatedAt          time.Time
}
