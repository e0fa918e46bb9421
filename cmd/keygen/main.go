package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/SherClockHolmes/webpush-go"

	"piksel/internal/envelope"
)

func main() {
	withEnvelope := flag.Bool("envelope", false, "Also print an end-to-end encryption key pair")
	flag.Parse()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		fmt.Printf("Error generating auth secret: %v\n", err)
		os.Exit(1)
	}

	vapidPrivate, vapidPublic, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		fmt.Printf("Error generating VAPID keys: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("AUTH_SECRET=%s\n", base64.RawURLEncoding.EncodeToString(secret))
	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", vapidPublic)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", vapidPrivate)

	if *withEnvelope {
		keys, err := envelope.GenerateKeyPair(nil)
		if err != nil {
			fmt.Printf("Error generating key pair: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nPUBLIC_KEY=%s\n", keys.Public.String())
		fmt.Printf("PRIVATE_KEY=%s\n", base64.StdEncoding.EncodeToString(keys.Private[:]))
	}
}
