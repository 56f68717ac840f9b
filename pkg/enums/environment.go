package enums

// GatewayEnvironment selects provider sandbox or live endpoints.
type GatewayEnvironment string

const (
	GatewayEnvironmentSandbox    GatewayEnvironment = "sandbox"
	GatewayEnvironmentProduction GatewayEnvironment = "production"
)

func (e GatewayEnvironment) IsValid() bool {
	return e == GatewayEnvironmentSandbox || e == GatewayEnvironmentProduction
}

func (e GatewayEnvironment) IsSandbox() bool {
	return e == GatewayEnvironmentSandbox
}
