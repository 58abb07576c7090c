package config

// EnvPrefix namespaces every environment variable the service reads.
const EnvPrefix = "BILLINGCORE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "BILLINGCORE_DB_DSN"
	EnvDBHost = "BILLINGCORE_DB_HOST"
	EnvDBUser = "BILLINGCORE_DB_USER"
	EnvDBName = "BILLINGCORE_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
