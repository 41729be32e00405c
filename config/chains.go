package config

import "fmt"

const (
	EthereumMainnetChainID = 1
	EthereumSepoliaChainID = 11155111
	EthereumHoleskyChainID = 17000
	BaseSepoliaChainID     = 84532
	ArbitrumSepoliaChainID = 421614
	LocalDevChainID        = 1337

	ethereumName = "ETHEREUM"
	sepoliaName  = "SEPOLIA"
	holeskyName  = "HOLESKY"
	baseName     = "BASE_SEPOLIA"
	arbitrumName = "ARBITRUM_SEPOLIA"
	devName      = "DEV"
)

// ChainName returns the chain name based on the chain ID
func ChainName(chainID uint64) (string, error) {
	switch chainID {
	case EthereumMainnetChainID:
		return ethereumName, nil
	case EthereumSepoliaChainID:
		return sepoliaName, nil
	case EthereumHoleskyChainID:
		return holeskyName, nil
	case BaseSepoliaChainID:
		return baseName, nil
	case ArbitrumSepoliaChainID:
		return arbitrumName, nil
	case LocalDevChainID:
		return devName, nil
	default:
		return "", fmt.Errorf("unknown chain id %d", chainID)
	}
}

// ChainLabel is like ChainName but falls back to the numeric id.
func ChainLabel(chainID uint64) string {
	name, err := ChainName(chainID)
	if err != nil {
		return fmt.Sprintf("%d", chainID)
	}
	return name
}
