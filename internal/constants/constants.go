package constants

const (
	AppName      = "wallet-session"
	EnvPrefix    = "WALLET_SESSION"
	SelectionKey = "onboard.selectedWallet"
	KVFile       = "session.json"
	KVDatabase   = "session.db"
	TokensFile   = "tokens.yaml"

	SchemaV1      = 1
	FilePerm      = 0o600
	DirectoryPerm = 0o700

	// Mainnet is the only network the gas poller refreshes against.
	PriorityNetwork uint64 = 1

	// Gwei values used when no oracle answer is usable.
	DefaultGasPrice  = 65
	FallbackGasPrice = 10

	EtherDecimals = 18
)
