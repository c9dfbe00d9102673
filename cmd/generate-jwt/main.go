package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	userID := flag.String("user", "test-user", "user ID to place in the subject claim")
	secret := flag.String("secret", "", "JWT secret (or JWT_SECRET env)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	key := *secret
	if key == "" {
		key = os.Getenv("JWT_SECRET")
	}
	if key == "" {
		fmt.Println("Error: no secret provided (use -secret or JWT_SECRET)")
		os.Exit(1)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    "genmedia-backend",
		Subject:   *userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(key))
	if err != nil {
		fmt.Printf("Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("============================================================")
	fmt.Println("JWT Token Generated for Testing")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(tokenString)
	fmt.Println()
	fmt.Printf("  Subject: %s\n", *userID)
	fmt.Printf("  Expires: %s\n", claims.ExpiresAt.Time)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println()
	fmt.Printf("curl -H \"Authorization: Bearer %s\" http://localhost:8080/api/tasks\n", tokenString)
	fmt.Println()
}
