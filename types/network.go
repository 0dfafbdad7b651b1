package types

import "github.com/gagliardetto/solana-go"

// Network represents supported Solana clusters
type Network string

const (
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet" // testnet
)

var defaultRPCURLs = map[Network]string{
	NetworkSolanaMainnet: "https://api.mainnet-beta.solana.com",
	NetworkSolanaDevnet:  "https://api.devnet.solana.com",
}

var usdcMints = map[Network]solana.PublicKey{
	NetworkSolanaMainnet: solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
	NetworkSolanaDevnet:  solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"),
}

// IsSolana reports whether n is a known Solana cluster
func (n Network) IsSolana() bool {
	return n == NetworkSolanaMainnet || n == NetworkSolanaDevnet
}

// DefaultRPCURL returns the public RPC endpoint for the cluster, or "" if unknown.
func (n Network) DefaultRPCURL() string {
	return defaultRPCURLs[n]
}

// USDCMint returns the USDC mint for the cluster.
func (n Network) USDCMint() (solana.PublicKey, bool) {
	mint, ok := usdcMints[n]
	return mint, ok
}

func (n Network) String() string {
	return string(n)
}
