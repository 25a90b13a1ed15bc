package app

import "time"

const (
	Name                = "mmrelay"
	SourceURL           = "https://github.com/jeremiah-k/meshtastic-matrix-relay"
	ConfigFilename      = "config.yaml"
	DBFilename          = "meshtastic.sqlite"
	LogFilename         = "mmrelay.log"
	CryptoDBFilename    = "crypto.db"
	CredentialsFilename = "credentials.json"

	WriterQueueCapacity = 512
	ChatEventBuffer     = 256
	PruneInterval       = time.Hour
	startupTimeout      = 2 * time.Minute
)
