package agent

var (
	QueriesSent     = queriesSent
	QueriesFinished = queriesFinished
)
