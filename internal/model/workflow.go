package model

// Workflow is the top-level declarative document describing every job family
type Workflow struct {
	APIVersion string    `yaml:"apiVersion" json:"apiVersion"`
	Kind       string    `yaml:"kind" json:"kind"`
	Metadata   Metadata  `yaml:"metadata" json:"metadata"`
	Jobs       []JobSpec `yaml:"jobs" json:"jobs"`
}

// Metadata holds standard object metadata
type Metadata struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// Family identifies one logical unit of scheduled work
type Family string

const (
	FamilyETF                     Family = "etf-data"
	FamilyVIXFutures              Family = "vix-futures"
	FamilyFXRates                 Family = "fx-rates"
	FamilyLimitsAlerterMorning    Family = "limits-alerter-morning"
	FamilyLimitsAlerterMidmorning Family = "limits-alerter-midmorning"
	FamilyNAVCalculations         Family = "nav-calculations"
)

func (f Family) String() string {
	return string(f)
}

// Job returns the job spec for a family, or nil when the workflow has none
func (w *Workflow) Job(family Family) *JobSpec {
	for i := range w.Jobs {
		if w.Jobs[i].Family == family {
			return &w.Jobs[i]
		}
	}
	return nil
}

// ScheduleRule binds an exact cron string to the family it fires
type ScheduleRule struct {
	Cron   string `json:"cron"`
	Family Family `json:"family"`
}

// UpdatePolicyOverwrite is the only policy for repository output files
const UpdatePolicyOverwrite = "overwrite-on-each-run"

// RepositoryOutputFile is a path glob in the shared repository and the family that owns it
type RepositoryOutputFile struct {
	Path   string `json:"path"`
	Owner  Family `json:"owner"`
	Policy string `json:"policy"`
}

// OutputFiles lists every owned path glob across the workflow
func (w *Workflow) OutputFiles() []RepositoryOutputFile {
	var files []RepositoryOutputFile
	for _, job := range w.Jobs {
		for _, path := range job.Owns {
			files = append(files, RepositoryOutputFile{
				Path:   path,
				Owner:  job.Family,
				Policy: UpdatePolicyOverwrite,
			})
		}
	}
	return files
}
