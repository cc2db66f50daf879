// Package web3 houses the blockchain connectivity used by the agent tools:
// a read-only EVM client for chain snapshots and balances, and a keystore
// backed wallet registry that binds one account to each entity.
package web3
