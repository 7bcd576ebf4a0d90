package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"toll-backend/internal/config"
	"toll-backend/internal/models"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUserRepo struct {
	users  map[string]*models.User
	tokens map[string][]string
}

func newStubUserRepo() *stubUserRepo {
	return &stubUserRepo{users: make(map[string]*models.User), tokens: make(map[string][]string)}
}

func (r *stubUserRepo) GetByAddress(_ context.Context, walletAddress string) (*models.User, error) {
	user, ok := r.users[walletAddress]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return user, nil
}

func (r *stubUserRepo) EnsureExists(_ context.Context, walletAddress string) error {
	if _, ok := r.users[walletAddress]; !ok {
		r.users[walletAddress] = &models.User{WalletAddress: walletAddress, Active: true}
	}
	return nil
}

func (r *stubUserRepo) BindTopUpWallet(_ context.Context, walletAddress, topUpWallet string) error {
	return nil
}

func (r *stubUserRepo) GetTopUpWallet(_ context.Context, walletAddress string) (string, error) {
	return "", nil
}

func (r *stubUserRepo) SetVerification(_ context.Context, walletAddress, verificationHash string) error {
	return nil
}

func (r *stubUserRepo) AppendSessionToken(_ context.Context, walletAddress, token string) error {
	if _, ok := r.users[walletAddress]; !ok {
		return fmt.Errorf("user %s does not exist", walletAddress)
	}
	r.tokens[walletAddress] = append(r.tokens[walletAddress], token)
	return nil
}

func signLoginMessage(t *testing.T, message string) (address string, signature []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	envelope := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	digest := crypto.Keccak256([]byte(envelope))
	signature, err = crypto.Sign(digest, key)
	require.NoError(t, err)

	address = strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return address, signature
}

func TestVerifyLoginSignature(t *testing.T) {
	message := "Toll Backend Authentication\nNonce: abc\nTimestamp: 1700000000"
	address, sig := signLoginMessage(t, message)
	sigHex := fmt.Sprintf("0x%x", sig)

	t.Run("valid signature recovers to wallet", func(t *testing.T) {
		assert.True(t, verifyLoginSignature(address, message, sigHex))
	})

	t.Run("legacy recovery id 27/28 accepted", func(t *testing.T) {
		legacy := make([]byte, len(sig))
		copy(legacy, sig)
		legacy[64] += 27
		assert.True(t, verifyLoginSignature(address, message, fmt.Sprintf("0x%x", legacy)))
	})

	t.Run("tampered message rejected", func(t *testing.T) {
		assert.False(t, verifyLoginSignature(address, message+"x", sigHex))
	})

	t.Run("wrong wallet rejected", func(t *testing.T) {
		other := "0x1111111111111111111111111111111111111111"
		assert.False(t, verifyLoginSignature(other, message, sigHex))
	})

	t.Run("malformed signature rejected", func(t *testing.T) {
		assert.False(t, verifyLoginSignature(address, message, "0xdeadbeef"))
		assert.False(t, verifyLoginSignature(address, message, "not-hex"))
	})
}

func TestIssueSessionToken(t *testing.T) {
	prev := config.AppConfig
	config.AppConfig = &config.Config{JWT: config.JWTConfig{Secret: "test-secret"}}
	defer func() { config.AppConfig = prev }()

	address := "0x00000000000000000000000000000000000000aa"
	token, err := issueSessionToken(address)
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	assert.Equal(t, address, claims["wallet_address"])
	assert.Equal(t, "toll-backend", claims["iss"])
}

func TestLogin(t *testing.T) {
	prev := config.AppConfig
	config.AppConfig = &config.Config{JWT: config.JWTConfig{Secret: "test-secret"}}
	defer func() { config.AppConfig = prev }()

	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	message := "Toll Backend Authentication\nNonce: abc\nTimestamp: 1700000000"
	address, sig := signLoginMessage(t, message)

	login := func(users *stubUserRepo, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
		c.Request.Header.Set("Content-Type", "application/json")
		NewAuthHandler(users, logger).Login(c)
		return w
	}

	t.Run("first login creates the user and records the token", func(t *testing.T) {
		users := newStubUserRepo()
		body := fmt.Sprintf(`{"wallet_address": %q, "message": %q, "signature": "0x%x"}`, address, message, sig)

		w := login(users, body)
		require.Equal(t, http.StatusOK, w.Code)

		_, err := users.GetByAddress(context.Background(), address)
		require.NoError(t, err)
		require.Len(t, users.tokens[address], 1)
	})

	t.Run("signature by another key rejected", func(t *testing.T) {
		users := newStubUserRepo()
		_, otherSig := signLoginMessage(t, message)
		body := fmt.Sprintf(`{"wallet_address": %q, "message": %q, "signature": "0x%x"}`, address, message, otherSig)

		w := login(users, body)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, users.tokens[address])
	})

	t.Run("malformed address rejected", func(t *testing.T) {
		users := newStubUserRepo()
		body := fmt.Sprintf(`{"wallet_address": "garbage", "message": %q, "signature": "0x%x"}`, message, sig)

		w := login(users, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
