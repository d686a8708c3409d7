package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wireapp/core-crypto-go/conversation"
	"github.com/wireapp/core-crypto-go/corecrypto"
	"github.com/wireapp/core-crypto-go/mls"
)

// mls-demo: spec.md §8 scenario 1 -- alice creates a conversation, adds
// bob by key package, commits the welcome, and the two exchange one
// encrypted application message.
func mlsDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mls-demo",
		Short: "Create a two-party MLS conversation and exchange one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			suite := mls.X25519_AES128GCM_SHA256_Ed25519
			groupID := []byte("cc-demo-conversation")

			alice, err := corecrypto.Open(corecrypto.Config{Name: dbPath("mls-alice"), Passphrase: []byte(passphrase), ClientID: []byte("alice")})
			if err != nil {
				return err
			}
			defer alice.Close()
			bob, err := corecrypto.Open(corecrypto.Config{Name: dbPath("mls-bob"), Passphrase: []byte(passphrase), ClientID: []byte("bob")})
			if err != nil {
				return err
			}
			defer bob.Close()

			aliceKey, err := mls.Ed25519.Generate()
			if err != nil {
				return err
			}
			aliceCred := mls.NewBasicCredential([]byte("alice"), mls.Ed25519, &aliceKey)

			bobKPs, err := bob.KeyPackages()
			if err != nil {
				return err
			}
			bobKey, err := mls.Ed25519.Generate()
			if err != nil {
				return err
			}
			bobCred := mls.NewBasicCredential([]byte("bob"), mls.Ed25519, &bobKey)
			ciks, err := bobKPs.GenerateN(suite, *bobCred, 1)
			if err != nil {
				return err
			}

			aliceConvs, err := alice.Conversations()
			if err != nil {
				return err
			}
			if _, err := aliceConvs.CreateConversation(groupID, *aliceCred, conversation.Config{}); err != nil {
				return err
			}
			fmt.Printf("alice: created conversation %q\n", groupID)

			bundle, err := aliceConvs.AddClients(groupID, ciks)
			if err != nil {
				return err
			}
			if bundle.Welcome == nil {
				return fmt.Errorf("mls-demo: add-clients produced no welcome")
			}
			fmt.Println("alice: added bob, welcome ready")

			bobConvs, err := bob.Conversations()
			if err != nil {
				return err
			}
			if _, err := bobConvs.JoinFromWelcome(ciks, *bundle.Welcome); err != nil {
				return err
			}
			fmt.Println("bob: joined from welcome")

			if _, err := aliceConvs.CommitAccepted(groupID); err != nil {
				return err
			}

			plaintext := []byte("hello bob, from the cc demo CLI")
			ct, err := aliceConvs.Encrypt(groupID, plaintext)
			if err != nil {
				return err
			}
			fmt.Println("alice: encrypted application message")

			bobDecrypt, err := bob.Decryptor()
			if err != nil {
				return err
			}
			msg, err := bobDecrypt.Decrypt(groupID, ct)
			if err != nil {
				return err
			}
			fmt.Printf("bob: decrypted %q\n", string(msg.Plaintext))
			return nil
		},
	}
}
