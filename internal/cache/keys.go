package cache

// ContractKey is the cache key of a single contract record
func ContractKey(network, contractID string) string {
	return "contract:" + network + ":" + contractID
}

// VersionsKey is the cache key of a contract's version list
func VersionsKey(network, contractID string) string {
	return "versions:" + network + ":" + contractID
}

// ContractKeys returns every key derived from one contract
func ContractKeys(network, contractID string) []string {
	return []string{ContractKey(network, contractID), VersionsKey(network, contractID)}
}
