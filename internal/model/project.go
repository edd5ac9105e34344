package model

import (
	"regexp"
	"time"
)

type Project struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

var projectNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidProjectName reports whether name can be used as a project name. Names
// double as file names in the file store, so the alphabet is restricted.
func ValidProjectName(name string) bool {
	return projectNameRe.MatchString(name)
}
