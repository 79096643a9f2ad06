package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	pubnubv7 "github.com/pubnub/go/v7"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ticket-ledger/internal/status"
	"ticket-ledger/utils"
)

// PaymentGateway is the debit/credit primitive the processor relies on. The
// transfer must be atomic: either both legs happen or neither. How funds
// actually move is the gateway's business.
type PaymentGateway interface {
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error)
}

// transferScript moves minor-unit balances between two accounts atomically.
// Debit and credit happen in one script execution, so a failed debit leaves
// both balances untouched.
var transferScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local balance = tonumber(redis.call("GET", KEYS[1]) or "0")
if balance < amount then
  return redis.error_reply("insufficient_funds")
end
redis.call("DECRBY", KEYS[1], amount)
redis.call("INCRBY", KEYS[2], amount)
return balance - amount
`)

// RedisPaymentService keeps account balances in Redis and settles transfers
// through the atomic transfer script. Settlement confirmations arrive
// asynchronously on a PubNub channel, mirroring how the upstream banks
// acknowledge transactions.
type RedisPaymentService struct {
	Redis   *redis.Client
	pn      *pubnubv7.PubNub
	channel string

	done chan struct{}
}

func NewRedisPaymentService(redisClient *redis.Client, pn *pubnubv7.PubNub, settlementChannel string) *RedisPaymentService {
	service := &RedisPaymentService{
		Redis:   redisClient,
		pn:      pn,
		channel: settlementChannel,
		done:    make(chan struct{}),
	}

	if pn != nil && settlementChannel != "" {
		go service.subscribeToSettlements()
	}

	return service
}

func balanceKey(account string) string {
	return fmt.Sprintf("balance:%s", account)
}

// Transfer debits from and credits to in one atomic step and records the
// transfer for settlement tracking. Returns the transfer reference.
func (s *RedisPaymentService) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
	if amount.IsNegative() {
		return "", status.ErrFailedPayment
	}

	err := transferScript.Run(ctx, s.Redis,
		[]string{balanceKey(from), balanceKey(to)},
		amount.String(),
	).Err()
	if err != nil {
		if err.Error() == "insufficient_funds" {
			return "", status.ErrInsufficientFunds
		}
		return "", fmt.Errorf("payment transfer: %w", err)
	}

	refID, _ := utils.GenerateCode(8)
	transferKey := fmt.Sprintf("transfer:%s", refID)
	s.Redis.HSet(ctx, transferKey, map[string]any{
		"from":       from,
		"to":         to,
		"amount":     amount.String(),
		"status":     "completed",
		"created_at": time.Now().Unix(),
	})
	s.Redis.Expire(ctx, transferKey, 24*time.Hour)

	return refID, nil
}

// Deposit credits an account. Used by operator tooling to fund buyers.
func (s *RedisPaymentService) Deposit(ctx context.Context, account string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return status.ErrFailedPayment
	}
	return s.Redis.IncrBy(ctx, balanceKey(account), amount.IntPart()).Err()
}

// Balance reads an account's current minor-unit balance.
func (s *RedisPaymentService) Balance(ctx context.Context, account string) (int64, error) {
	value, err := s.Redis.Get(ctx, balanceKey(account)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return value, err
}

func (s *RedisPaymentService) subscribeToSettlements() {
	listener := pubnubv7.NewListener()

	s.pn.AddListener(listener)
	s.pn.Subscribe().
		Channels([]string{s.channel}).
		Execute()

	for {
		select {
		case message := <-listener.Message:
			go s.handleSettlement(message)
		case <-s.done:
			s.pn.Unsubscribe().Channels([]string{s.channel}).Execute()
			return
		}
	}
}

func (s *RedisPaymentService) handleSettlement(message *pubnubv7.PNMessage) {
	var notification struct {
		RefID  string `json:"ref_id"`
		Status string `json:"status"`
	}

	data, ok := message.Message.(map[string]any)
	if !ok {
		return
	}

	jsonData, _ := json.Marshal(data)
	if err := json.Unmarshal(jsonData, &notification); err != nil {
		log.Printf("Error parsing settlement notification: %v", err)
		return
	}

	if notification.RefID == "" {
		return
	}

	ctx := context.Background()
	transferKey := fmt.Sprintf("transfer:%s", notification.RefID)
	s.Redis.HSet(ctx, transferKey, "settlement", notification.Status)
	log.Printf("Transfer %s settlement: %s", notification.RefID, notification.Status)
}

// Close stops the settlement listener.
func (s *RedisPaymentService) Close() {
	close(s.done)
}
