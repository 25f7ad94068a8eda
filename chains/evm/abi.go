package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const multicall3ABIJSON = `[
	{
		"inputs": [
			{"internalType": "bool", "name": "requireSuccess", "type": "bool"},
			{
				"components": [
					{"internalType": "address", "name": "target", "type": "address"},
					{"internalType": "bytes", "name": "callData", "type": "bytes"}
				],
				"internalType": "struct Multicall3.Call[]",
				"name": "calls",
				"type": "tuple[]"
			}
		],
		"name": "tryBlockAndAggregate",
		"outputs": [
			{"internalType": "uint256", "name": "blockNumber", "type": "uint256"},
			{"internalType": "bytes32", "name": "blockHash", "type": "bytes32"},
			{
				"components": [
					{"internalType": "bool", "name": "success", "type": "bool"},
					{"internalType": "bytes", "name": "returnData", "type": "bytes"}
				],
				"internalType": "struct Multicall3.Result[]",
				"name": "returnData",
				"type": "tuple[]"
			}
		],
		"stateMutability": "payable",
		"type": "function"
	}
]`

// poolABIJSON covers the view functions shared by V2 pairs and V3 pools;
// ReadPoolState probes with all of them and keeps whatever answers.
const poolABIJSON = `[
	{"inputs": [], "name": "token0", "outputs": [{"internalType": "address", "name": "", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "token1", "outputs": [{"internalType": "address", "name": "", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "fee", "outputs": [{"internalType": "uint24", "name": "", "type": "uint24"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "liquidity", "outputs": [{"internalType": "uint128", "name": "", "type": "uint128"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "slot0", "outputs": [
		{"internalType": "uint160", "name": "sqrtPriceX96", "type": "uint160"},
		{"internalType": "int24", "name": "tick", "type": "int24"},
		{"internalType": "uint16", "name": "observationIndex", "type": "uint16"},
		{"internalType": "uint16", "name": "observationCardinality", "type": "uint16"},
		{"internalType": "uint16", "name": "observationCardinalityNext", "type": "uint16"},
		{"internalType": "uint8", "name": "feeProtocol", "type": "uint8"},
		{"internalType": "bool", "name": "unlocked", "type": "bool"}
	], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "getReserves", "outputs": [
		{"internalType": "uint112", "name": "reserve0", "type": "uint112"},
		{"internalType": "uint112", "name": "reserve1", "type": "uint112"},
		{"internalType": "uint32", "name": "blockTimestampLast", "type": "uint32"}
	], "stateMutability": "view", "type": "function"}
]`

var (
	multicall3ABI abi.ABI
	poolABI       abi.ABI

	// Argument-free payloads packed once and reused for every pool,
	// the same trick the batch price fetchers use.
	token0Payload      []byte
	token1Payload      []byte
	feePayload         []byte
	slot0Payload       []byte
	liquidityPayload   []byte
	getReservesPayload []byte
)

func init() {
	var err error
	multicall3ABI, err = abi.JSON(strings.NewReader(multicall3ABIJSON))
	if err != nil {
		panic(err)
	}
	poolABI, err = abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		panic(err)
	}

	mustPack := func(name string) []byte {
		data, err := poolABI.Pack(name)
		if err != nil {
			panic(err)
		}
		return data
	}
	token0Payload = mustPack("token0")
	token1Payload = mustPack("token1")
	feePayload = mustPack("fee")
	slot0Payload = mustPack("slot0")
	liquidityPayload = mustPack("liquidity")
	getReservesPayload = mustPack("getReserves")
}

// multicallCall mirrors the Multicall3.Call tuple for ABI packing.
type multicallCall struct {
	Target   common.Address
	CallData []byte
}

// multicallOutput mirrors the tryBlockAndAggregate return values.
type multicallOutput struct {
	BlockNumber *big.Int
	BlockHash   [32]byte
	ReturnData  []struct {
		Success    bool
		ReturnData []byte
	}
}
