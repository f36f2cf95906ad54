package search

var (
	Probes = probes
	Runs   = runs
)
