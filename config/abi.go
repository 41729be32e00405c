package config

// PingPongABI is the ABI of the Ping/Pong contract: the Ping event and the pong method
const PingPongABI = `[
	{
		"anonymous": false,
		"inputs": [],
		"name": "Ping",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{
				"indexed": false,
				"internalType": "bytes32",
				"name": "txHash",
				"type": "bytes32"
			}
		],
		"name": "Pong",
		"type": "event"
	},
	{
		"inputs": [],
		"name": "ping",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{
				"internalType": "bytes32",
				"name": "_txHash",
				"type": "bytes32"
			}
		],
		"name": "pong",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`
