package clients

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
	"unicode"

	"toll-backend/internal/metrics"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

// mustType builds an abi.Type or panics; only used for static signatures
func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", t, err))
	}
	return typ
}

var (
	addressType = mustType("address")
	uint256Type = mustType("uint256")
	bytesType   = mustType("bytes")
	bytes32Type = mustType("bytes32")
	uint256Arr  = mustType("uint256[]")

	// Contract event signatures
	topicVehicleRegistered  = crypto.Keccak256Hash([]byte("VehicleRegistered(bytes32,address,uint8)"))
	topicTollPaid           = crypto.Keccak256Hash([]byte("TollPaid(bytes32,address,uint256)"))
	topicVehicleBlacklisted = crypto.Keccak256Hash([]byte("VehicleBlacklisted(bytes32,bool)"))

	// Method selectors (first 4 bytes of keccak of the signature)
	selWalletOf     = crypto.Keccak256([]byte("walletOf(address)"))[:4]
	selCreateWallet = crypto.Keccak256([]byte("createWallet(address)"))[:4]
	selTopUp        = crypto.Keccak256([]byte("topUp(address,uint256,uint256,bytes)"))[:4]
	selWithdraw     = crypto.Keccak256([]byte("withdraw(address,uint256,uint256,bytes)"))[:4]
	selPayToll      = crypto.Keccak256([]byte("payToll(address,bytes32,uint256,uint256,bytes)"))[:4]
	selWalletStats  = crypto.Keccak256([]byte("walletStats(address)"))[:4]
	selVerifyProof  = crypto.Keccak256([]byte("verifyProof(bytes,uint256[])"))[:4]
)

var weiPerUnit = decimal.New(1, 18)

// EthLedgerClient talks to the toll and wallet-factory contracts over
// JSON-RPC. Event consumption uses installed filters (eth_newFilter /
// eth_getFilterChanges) so the node tracks the cursor; expired filters
// surface as "filter not found" and are recreated by the caller.
type EthLedgerClient struct {
	rpc             *rpc.Client
	endpoint        string
	tollContract    common.Address
	factoryContract common.Address
	relayer         common.Address
	timeout         time.Duration
}

// NewEthLedgerClient dials the first reachable RPC endpoint
func NewEthLedgerClient(endpoints []string, tollContract, factoryContract, relayer string, timeout time.Duration) (*EthLedgerClient, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no RPC endpoints configured")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var lastErr error
	for _, endpoint := range endpoints {
		client, err := rpc.Dial(endpoint)
		if err != nil {
			log.Printf("⚠️ [Ledger] Failed to dial %s: %v", endpoint, err)
			lastErr = err
			continue
		}
		log.Printf("✅ [Ledger] Connected to RPC endpoint: %s", endpoint)
		return &EthLedgerClient{
			rpc:             client,
			endpoint:        endpoint,
			tollContract:    common.HexToAddress(tollContract),
			factoryContract: common.HexToAddress(factoryContract),
			relayer:         common.HexToAddress(relayer),
			timeout:         timeout,
		}, nil
	}
	return nil, fmt.Errorf("failed to dial any RPC endpoint: %w", lastErr)
}

// Close releases the underlying RPC connection
func (c *EthLedgerClient) Close() {
	c.rpc.Close()
}

func (c *EthLedgerClient) call(ctx context.Context, method string, result interface{}, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.rpc.CallContext(ctx, result, method, args...)
	metrics.LedgerCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return err
}

func eventTopic(eventName string) (common.Hash, error) {
	switch eventName {
	case EventVehicleRegistered:
		return topicVehicleRegistered, nil
	case EventTollPaid:
		return topicTollPaid, nil
	case EventVehicleBlacklisted:
		return topicVehicleBlacklisted, nil
	default:
		return common.Hash{}, fmt.Errorf("unknown event name: %s", eventName)
	}
}

// NewEventFilter installs a log filter for one event type, from the current
// head onward
func (c *EthLedgerClient) NewEventFilter(ctx context.Context, eventName string) (string, error) {
	topic, err := eventTopic(eventName)
	if err != nil {
		return "", err
	}

	params := map[string]interface{}{
		"address":   c.tollContract,
		"topics":    [][]common.Hash{{topic}},
		"fromBlock": "latest",
	}

	var filterID string
	if err := c.call(ctx, "eth_newFilter", &filterID, params); err != nil {
		return "", fmt.Errorf("eth_newFilter for %s failed: %w", eventName, err)
	}
	return filterID, nil
}

// GetFilterChanges fetches logs observed since the previous call and
// normalizes them
func (c *EthLedgerClient) GetFilterChanges(ctx context.Context, filterID string) ([]LedgerEvent, error) {
	var logs []ethtypes.Log
	if err := c.call(ctx, "eth_getFilterChanges", &logs, filterID); err != nil {
		return nil, fmt.Errorf("eth_getFilterChanges failed: %w", err)
	}

	events := make([]LedgerEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		event, err := c.decodeLog(&lg)
		if err != nil {
			log.Printf("⚠️ [Ledger] Skipping undecodable log %s:%d: %v", lg.TxHash.Hex(), lg.Index, err)
			continue
		}
		events = append(events, *event)
	}
	return events, nil
}

// UninstallFilter removes a filter from the node
func (c *EthLedgerClient) UninstallFilter(ctx context.Context, filterID string) error {
	var ok bool
	return c.call(ctx, "eth_uninstallFilter", &ok, filterID)
}

func (c *EthLedgerClient) decodeLog(lg *ethtypes.Log) (*LedgerEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}

	event := LedgerEvent{
		UniqueID:    fmt.Sprintf("%s:%d", strings.ToLower(lg.TxHash.Hex()), lg.Index),
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		Timestamp:   time.Now().UTC(), // block timestamp fetch is deliberately skipped; mirror uses ingest time
	}

	switch lg.Topics[0] {
	case topicVehicleRegistered:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("VehicleRegistered log missing topics")
		}
		event.EventName = EventVehicleRegistered
		event.VehicleID = decodeVehicleID(lg.Topics[1])
		event.OwnerAddress = strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex())

	case topicTollPaid:
		if len(lg.Topics) < 3 || len(lg.Data) < 32 {
			return nil, fmt.Errorf("TollPaid log malformed")
		}
		event.EventName = EventTollPaid
		event.VehicleID = decodeVehicleID(lg.Topics[1])
		event.PayerAddress = strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex())
		event.Amount = weiToUnits(new(big.Int).SetBytes(lg.Data[:32]))

	case topicVehicleBlacklisted:
		if len(lg.Topics) < 2 || len(lg.Data) < 32 {
			return nil, fmt.Errorf("VehicleBlacklisted log malformed")
		}
		event.EventName = EventVehicleBlacklisted
		event.VehicleID = decodeVehicleID(lg.Topics[1])
		event.Blacklisted = lg.Data[31] != 0

	default:
		return nil, fmt.Errorf("unknown topic %s", lg.Topics[0].Hex())
	}

	return &event, nil
}

// decodeVehicleID interprets an indexed bytes32 vehicle id: ASCII
// right-padded ids decode to plain strings, anything else stays hex
func decodeVehicleID(topic common.Hash) string {
	raw := topic.Bytes()
	trimmed := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b == 0 {
			break
		}
		trimmed = append(trimmed, b)
	}
	if len(trimmed) == 0 {
		return topic.Hex()
	}
	for _, b := range trimmed {
		if b > unicode.MaxASCII || !unicode.IsPrint(rune(b)) {
			return topic.Hex()
		}
	}
	return string(trimmed)
}

// weiToUnits converts a wei amount to the native decimal string
func weiToUnits(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, 0).Div(weiPerUnit).String()
}

// unitsToWei converts a native decimal string to wei
func unitsToWei(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return d.Mul(weiPerUnit).BigInt(), nil
}

// GetWallet reads the factory's wallet mapping for a user; returns "" when
// none is deployed
func (c *EthLedgerClient) GetWallet(ctx context.Context, userAddress string) (string, error) {
	args := abi.Arguments{{Type: addressType}}
	packed, err := args.Pack(common.HexToAddress(userAddress))
	if err != nil {
		return "", err
	}

	var result hexutil.Bytes
	callMsg := map[string]interface{}{
		"to":   c.factoryContract,
		"data": hexutil.Bytes(append(append([]byte{}, selWalletOf...), packed...)),
	}
	if err := c.call(ctx, "eth_call", &result, callMsg, "latest"); err != nil {
		return "", fmt.Errorf("walletOf call failed: %w", err)
	}
	if len(result) < 32 {
		return "", fmt.Errorf("walletOf returned short data (%d bytes)", len(result))
	}

	wallet := common.BytesToAddress(result[12:32])
	if wallet == (common.Address{}) {
		return "", nil
	}
	return strings.ToLower(wallet.Hex()), nil
}

// DeployWallet submits a createWallet transaction and waits for the factory
// mapping to reflect the new wallet. Bounded by the caller's context plus the
// per-call timeout.
func (c *EthLedgerClient) DeployWallet(ctx context.Context, userAddress string) (string, error) {
	args := abi.Arguments{{Type: addressType}}
	packed, err := args.Pack(common.HexToAddress(userAddress))
	if err != nil {
		return "", err
	}

	txMsg := map[string]interface{}{
		"from": c.relayer,
		"to":   c.factoryContract,
		"data": hexutil.Bytes(append(append([]byte{}, selCreateWallet...), packed...)),
	}
	var txHash string
	if err := c.call(ctx, "eth_sendTransaction", &txHash, txMsg); err != nil {
		return "", fmt.Errorf("createWallet tx failed: %w", err)
	}
	log.Printf("📤 [Ledger] createWallet submitted for %s: %s", userAddress, txHash)

	// Poll the mapping until the deployment is mined
	for i := 0; i < 20; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(1500 * time.Millisecond):
		}

		wallet, err := c.GetWallet(ctx, userAddress)
		if err != nil {
			log.Printf("⚠️ [Ledger] walletOf poll failed: %v", err)
			continue
		}
		if wallet != "" {
			return wallet, nil
		}
	}
	return "", fmt.Errorf("wallet deployment not confirmed for %s (tx %s)", userAddress, txHash)
}

// WalletStats reads balance and counters from the wallet contract
func (c *EthLedgerClient) WalletStats(ctx context.Context, walletAddress string) (*WalletStats, error) {
	args := abi.Arguments{{Type: addressType}}
	packed, err := args.Pack(common.HexToAddress(walletAddress))
	if err != nil {
		return nil, err
	}

	var result hexutil.Bytes
	callMsg := map[string]interface{}{
		"to":   c.factoryContract,
		"data": hexutil.Bytes(append(append([]byte{}, selWalletStats...), packed...)),
	}
	if err := c.call(ctx, "eth_call", &result, callMsg, "latest"); err != nil {
		return nil, fmt.Errorf("walletStats call failed: %w", err)
	}
	if len(result) < 96 {
		return nil, fmt.Errorf("walletStats returned short data (%d bytes)", len(result))
	}

	return &WalletStats{
		WalletAddress: strings.ToLower(walletAddress),
		Balance:       weiToUnits(new(big.Int).SetBytes(result[0:32])),
		TollsPaid:     new(big.Int).SetBytes(result[32:64]).Uint64(),
		TotalSpent:    weiToUnits(new(big.Int).SetBytes(result[64:96])),
	}, nil
}

func (c *EthLedgerClient) sendWalletOp(ctx context.Context, selector []byte, op WalletOperation, extra ...interface{}) (string, error) {
	wei, err := unitsToWei(op.Amount)
	if err != nil {
		return "", err
	}

	argTypes := abi.Arguments{{Type: addressType}}
	argValues := []interface{}{common.HexToAddress(op.UserAddress)}
	for _, e := range extra {
		argTypes = append(argTypes, abi.Argument{Type: bytes32Type})
		argValues = append(argValues, e)
	}
	argTypes = append(argTypes,
		abi.Argument{Type: uint256Type},
		abi.Argument{Type: uint256Type},
		abi.Argument{Type: bytesType},
	)
	argValues = append(argValues, wei, new(big.Int).SetUint64(op.Nonce), op.Signature)

	packed, err := argTypes.Pack(argValues...)
	if err != nil {
		return "", err
	}

	txMsg := map[string]interface{}{
		"from": c.relayer,
		"to":   c.tollContract,
		"data": hexutil.Bytes(append(append([]byte{}, selector...), packed...)),
	}
	var txHash string
	if err := c.call(ctx, "eth_sendTransaction", &txHash, txMsg); err != nil {
		return "", err
	}
	return txHash, nil
}

// TopUp submits a signature-authorized top-up
func (c *EthLedgerClient) TopUp(ctx context.Context, op WalletOperation) (string, error) {
	return c.sendWalletOp(ctx, selTopUp, op)
}

// Withdraw submits a signature-authorized withdrawal
func (c *EthLedgerClient) Withdraw(ctx context.Context, op WalletOperation) (string, error) {
	return c.sendWalletOp(ctx, selWithdraw, op)
}

// PayToll submits a signature-authorized toll settlement
func (c *EthLedgerClient) PayToll(ctx context.Context, payment TollPayment) (string, error) {
	var vehicleID [32]byte
	copy(vehicleID[:], []byte(payment.VehicleID))
	return c.sendWalletOp(ctx, selPayToll, payment.WalletOperation, vehicleID)
}

// ParsePublicInput parses a public input as hex (0x-prefixed) or decimal
func ParsePublicInput(in string) (*big.Int, error) {
	in = strings.TrimSpace(in)
	var v *big.Int
	var ok bool
	if strings.HasPrefix(strings.ToLower(in), "0x") {
		v, ok = new(big.Int).SetString(in[2:], 16)
	} else {
		v, ok = new(big.Int).SetString(in, 10)
	}
	if !ok {
		return nil, fmt.Errorf("invalid public input %q", in)
	}
	return v, nil
}

// VerifyProof calls the contract's credential verification entry point
func (c *EthLedgerClient) VerifyProof(ctx context.Context, proof []byte, publicInputs []string) (bool, error) {
	inputs := make([]*big.Int, 0, len(publicInputs))
	for _, in := range publicInputs {
		v, err := ParsePublicInput(in)
		if err != nil {
			return false, err
		}
		inputs = append(inputs, v)
	}

	args := abi.Arguments{{Type: bytesType}, {Type: uint256Arr}}
	packed, err := args.Pack(proof, inputs)
	if err != nil {
		return false, err
	}

	var result hexutil.Bytes
	callMsg := map[string]interface{}{
		"to":   c.tollContract,
		"data": hexutil.Bytes(append(append([]byte{}, selVerifyProof...), packed...)),
	}
	if err := c.call(ctx, "eth_call", &result, callMsg, "latest"); err != nil {
		return false, fmt.Errorf("verifyProof call failed: %w", err)
	}
	if len(result) < 32 {
		return false, fmt.Errorf("verifyProof returned short data (%d bytes)", len(result))
	}
	return result[31] != 0, nil
}
