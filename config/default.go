package config

// DefaultValues is the default configuration
const DefaultValues = `
[Log]
Environment = "development" # "production" or "development"
Level = "info"
Outputs = ["stderr"]

[Registry]
DBPath = "escrowd.sqlite"
RescueDelay = 604800 # seconds, one week
Admin = "0x0000000000000000000000000000000000000000"
EscrowAccount = ""
`
