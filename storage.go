package onboard

// DefaultStorageKey is the well-known key onboarding progress is stored under.
const DefaultStorageKey = "ielts.onboarding.progress"

// Storage is the key/value surface progress is persisted to. Get reports
// ok=false for a missing key; implementations live in pkg/state.
type Storage interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

type noopStorage struct{}

func (noopStorage) Get(string) (string, bool, error) { return "", false, nil }
func (noopStorage) Set(string, string) error         { return nil }
func (noopStorage) Remove(string) error              { return nil }

// persistedState is the serialized form of MachineState.
type persistedState struct {
	SchemaVersion    *string `json:"schemaVersion"`
	CurrentStepIndex int     `json:"currentStepIndex"`
	Answers          Answers `json:"answers"`
}

func versionPointer(version string) *string {
	if version == "" {
		return nil
	}
	return &version
}

func versionValue(version *string) string {
	if version == nil {
		return ""
	}
	return *version
}
