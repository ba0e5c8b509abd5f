// Command s2ssign prints the headers required to call the internal API,
// signed with the shared service secret. Intended for manual testing:
//
//	go run ./scripts/s2ssign -service event-service -secret "$S2S_SHARED_SECRET"
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/thehive/identity-service/internal/token"
)

func main() {
	var (
		serviceID string
		secret    string
		curl      bool
	)
	flag.StringVar(&serviceID, "service", "event-service", "calling service id")
	flag.StringVar(&secret, "secret", "", "shared S2S secret")
	flag.BoolVar(&curl, "curl", false, "print as curl -H flags")
	flag.Parse()

	validator, err := token.NewS2SValidator(secret, token.DefaultClockSkew)
	if err != nil {
		log.Fatalf("invalid secret: %v", err)
	}

	timestamp := time.Now().Unix()
	signature := validator.Sign(serviceID, timestamp)

	if curl {
		fmt.Printf("-H 'X-Internal-Service-ID: %s' -H 'X-Service-Timestamp: %d' -H 'X-Service-Signature: %s'\n", serviceID, timestamp, signature)
		return
	}
	fmt.Printf("X-Internal-Service-ID: %s\n", serviceID)
	fmt.Printf("X-Service-Timestamp: %d\n", timestamp)
	fmt.Printf("X-Service-Signature: %s\n", signature)
}
