package model

import "strings"

// Environment is the deployment environment derived from a job's callback URL.
type Environment string

const (
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

// DeriveEnvironment implements the rule: staging if the
// callback URL contains the substring "stage", production otherwise.
func DeriveEnvironment(callbackURL string) Environment {
	if strings.Contains(callbackURL, "stage") {
		return EnvironmentStaging
	}
	return EnvironmentProduction
}

// JobMetadata is the free-form key/value bag attached to a job.
// The key set is closed (video_name, environment, callback_url) so it is
// modeled as a typed struct rather than an open map.
type JobMetadata struct {
	VideoName   string      `json:"video_name"`
	Environment Environment `json:"environment"`
	CallbackURL string      `json:"callback_url"`
}
