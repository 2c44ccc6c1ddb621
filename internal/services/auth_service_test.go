package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setAuthConfig() {
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
}

func TestPasswordHashing(t *testing.T) {
	setAuthConfig()

	hash, err := hashPassword("mahjong123")
	require.NoError(t, err)
	assert.NotContains(t, hash, "mahjong123")

	assert.True(t, verifyPassword("mahjong123", hash))
	assert.False(t, verifyPassword("wrong", hash))
	assert.False(t, verifyPassword("mahjong123", "not$even$a$hash"))
	assert.False(t, verifyPassword("mahjong123", "plaintext"))
}

func TestGenerateJWT(t *testing.T) {
	setAuthConfig()

	token, err := generateJWT(7, "boss", "admin")
	require.NoError(t, err)

	parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, float64(7), claims["user_id"])
	assert.Equal(t, "boss", claims["username"])
	assert.Equal(t, "admin", claims["role"])
}

func TestAuthService_Login(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	setAuthConfig()
	service := NewAuthService(db, nil)

	t.Run("successful login", func(t *testing.T) {
		hashedPassword, _ := hashPassword("password123")

		mock.ExpectQuery("SELECT id, username, password_hash, role").
			WithArgs("boss").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password_hash", "role", "last_login", "created_at", "updated_at"}).
				AddRow(1, "boss", hashedPassword, "admin", nil, time.Now(), time.Now()))
		mock.ExpectExec("UPDATE users SET last_login").
			WillReturnResult(sqlmock.NewResult(0, 1))

		body, _ := json.Marshal(LoginRequest{Username: "boss", Password: "password123"})
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, "boss", response.User.Username)
	})

	t.Run("wrong password", func(t *testing.T) {
		hashedPassword, _ := hashPassword("password123")

		mock.ExpectQuery("SELECT id, username, password_hash, role").
			WithArgs("boss").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password_hash", "role", "last_login", "created_at", "updated_at"}).
				AddRow(1, "boss", hashedPassword, "admin", nil, time.Now(), time.Now()))

		body, _ := json.Marshal(LoginRequest{Username: "boss", Password: "nope!!"})
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, username, password_hash, role").
			WithArgs("ghost").
			WillReturnError(assert.AnError)

		body, _ := json.Marshal(LoginRequest{Username: "ghost", Password: "password123"})
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid request body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBufferString("invalid"))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestAuthService_Register(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	setAuthConfig()
	service := NewAuthService(db, nil)

	t.Run("successful registration defaults to operator", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO users").
			WithArgs("waiter", sqlmock.AnyArg(), "operator").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "role", "created_at", "updated_at"}).
				AddRow(2, "waiter", "operator", time.Now(), time.Now()))

		body, _ := json.Marshal(RegisterRequest{Username: "Waiter", Password: "password123"})
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, "operator", response.User.Role)
	})

	t.Run("duplicate username conflicts", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO users").
			WillReturnError(assert.AnError)

		body, _ := json.Marshal(RegisterRequest{Username: "waiter", Password: "password123"})
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("short password fails validation", func(t *testing.T) {
		body, _ := json.Marshal(RegisterRequest{Username: "waiter", Password: "abc"})
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestAuthService_Logout_BlacklistsToken(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	setAuthConfig()
	redisClient, redisMock := redismock.NewClientMock()
	service := NewAuthService(db, redisClient)

	redisMock.ExpectSet("blacklist:some-token", "1", 24*time.Hour).SetVal("OK")

	r := httptest.NewRequest("POST", "/auth/logout", nil)
	r.Header.Set("Authorization", "Bearer some-token")
	w := httptest.NewRecorder()

	service.Logout(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}
