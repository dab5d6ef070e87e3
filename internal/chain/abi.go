package chain

// Contract interfaces consumed by the adapter. The pool emits DepositQueued
// and Withdrawal; the verifier exposes a single view method.

const poolABIJSON = `[
  {
    "type": "event",
    "name": "DepositQueued",
    "inputs": [
      {"name": "commitment", "type": "bytes32", "indexed": false},
      {"name": "queueIndex", "type": "uint256", "indexed": false},
      {"name": "amount", "type": "uint256", "indexed": false},
      {"name": "asset", "type": "bytes32", "indexed": false},
      {"name": "timestamp", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "Withdrawal",
    "inputs": [
      {"name": "nullifier", "type": "bytes32", "indexed": false},
      {"name": "recipient", "type": "address", "indexed": false},
      {"name": "amount", "type": "uint256", "indexed": false},
      {"name": "asset", "type": "bytes32", "indexed": false}
    ]
  },
  {
    "type": "function",
    "name": "isKnownRoot",
    "stateMutability": "view",
    "inputs": [{"name": "root", "type": "bytes32"}],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "type": "function",
    "name": "updateRoot",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "newRoot", "type": "bytes32"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "withdraw",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "proof", "type": "bytes"},
      {"name": "merkleRoot", "type": "bytes32"},
      {"name": "nullifier0", "type": "bytes32"},
      {"name": "nullifier1", "type": "bytes32"},
      {"name": "outCommitment0", "type": "bytes32"},
      {"name": "outCommitment1", "type": "bytes32"},
      {"name": "publicAmount", "type": "uint256"},
      {"name": "publicAsset", "type": "bytes32"},
      {"name": "recipient", "type": "address"},
      {"name": "tokenAddress", "type": "address"}
    ],
    "outputs": []
  }
]`

const verifierABIJSON = `[
  {
    "type": "function",
    "name": "verifyProof",
    "stateMutability": "view",
    "inputs": [
      {"name": "proof", "type": "bytes32[24]"},
      {"name": "publicSignals", "type": "uint256[8]"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  }
]`
