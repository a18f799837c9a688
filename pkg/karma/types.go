package karma

// Record tracks the behavioral score of one app. Score never rises above
// zero; an app whose score sinks to the hide threshold disappears from the
// normal launcher surface until it recovers or is forgiven.
type Record struct {
	PackageName       string `json:"packageName"`
	Score             int    `json:"karmaScore"`
	TotalOpens        int    `json:"totalOpens"`
	TotalOverruns     int    `json:"totalOverruns"`
	ClosedOnTimeCount int    `json:"closedOnTimeCount"`
	LastOpenedAt      int64  `json:"lastOpenedTimestamp"`
	Hidden            bool   `json:"isHidden"`
	OptedOut          bool   `json:"isOptedOut"`
}

// NewRecord returns the zero-score record an app starts with.
func NewRecord(packageName string) *Record {
	return &Record{PackageName: packageName}
}
