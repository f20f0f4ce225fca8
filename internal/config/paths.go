package config

import "os"

// PathState describes whether a configured file is on disk.
type PathState string

const (
	PathPresent PathState = "present"
	PathMissing PathState = "missing"
	PathUnset   PathState = "unset"
)

// PathStatus is the status of one configured file.
type PathStatus struct {
	Name  string    `json:"name"`
	Path  string    `json:"path"`
	State PathState `json:"state"`
	Size  int64     `json:"size,omitempty"`
}

// CheckPaths returns the status of every file the configuration refers to.
func CheckPaths(cfg *Config) []PathStatus {
	return []PathStatus{
		checkPath("Output CSV", cfg.Paths.Output),
		checkPath("Checkpoint", cfg.Paths.Checkpoint),
		checkPath("Database", cfg.Paths.Database),
		checkPath("Log file", cfg.Paths.LogFile),
		checkPath("ETL recipe", cfg.ETL.Recipe),
	}
}

func checkPath(name, path string) PathStatus {
	status := PathStatus{Name: name, Path: path}
	if path == "" {
		status.State = PathUnset
		return status
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		status.State = PathMissing
		return status
	}
	status.State = PathPresent
	status.Size = info.Size()
	return status
}
