package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"blockclear/cmd/internal/passphrase"
	"blockclear/crypto"
)

const passphraseEnv = "BLOCKCLEAR_KEYSTORE_PASSPHRASE"

func usage() {
	fmt.Fprintln(os.Stderr, "usage: blockclear-keys <new|show> [flags]")
	fmt.Fprintln(os.Stderr, "  new  -keystore <path>   generate an adjuster key and write the keystore")
	fmt.Fprintln(os.Stderr, "  show -keystore <path>   print the address stored in the keystore")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	keystorePath := fs.String("keystore", "./adjuster.keystore", "path to the keystore file")
	if err := fs.Parse(os.Args[2:]); err != nil {
		usage()
	}

	pass := passphrase.NewSource(passphraseEnv)

	switch os.Args[1] {
	case "new":
		secret, err := pass.Get()
		if err != nil {
			log.Fatalf("resolve passphrase: %v", err)
		}
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		if err := crypto.SaveToKeystore(*keystorePath, key, secret); err != nil {
			log.Fatalf("write keystore: %v", err)
		}
		fmt.Printf("address: %s\nkeystore: %s\n", key.PubKey().Address(), *keystorePath)
	case "show":
		secret, err := pass.Get()
		if err != nil {
			log.Fatalf("resolve passphrase: %v", err)
		}
		key, err := crypto.LoadFromKeystore(*keystorePath, secret)
		if err != nil {
			log.Fatalf("open keystore: %v", err)
		}
		fmt.Printf("address: %s\n", key.PubKey().Address())
	default:
		usage()
	}
}
