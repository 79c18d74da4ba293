package config

type WorkerKeyStruct struct {
	ScoringJobsQueue     string
	ScoringRetrySchedule string
	PersistAnswersQueue  string
}

var WorkerKey = &WorkerKeyStruct{
	ScoringJobsQueue:     "scoring_jobs_queue",
	ScoringRetrySchedule: "scoring_retry_schedule",
	PersistAnswersQueue:  "persist_answers_queue",
}
