package task

import (
	"encoding/json"
	"fmt"
)

// PreTestResult is the artifact a pre-test agent produces.
type PreTestResult struct {
	RecommendedRuns int    `json:"recommended_runs"`
	Rationale       string `json:"rationale,omitempty"`
}

// ReviewResult is the artifact a review agent produces.
type ReviewResult struct {
	ReviewContent string `json:"review_content"`
	ReviewType    string `json:"review_type,omitempty"`
}

// DecodePreTestResult parses a pre-test result artifact.
func DecodePreTestResult(data []byte) (*PreTestResult, error) {
	var r PreTestResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode pre-test result: %w", err)
	}
	return &r, nil
}

// DecodeReviewResult parses a review result artifact.
func DecodeReviewResult(data []byte) (*ReviewResult, error) {
	var r ReviewResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode review result: %w", err)
	}
	if r.ReviewContent == "" {
		return nil, fmt.Errorf("review result without review_content")
	}
	return &r, nil
}
