package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wireapp/core-crypto-go/corecrypto"
)

// proteus-demo: bob publishes a one-time prekey bundle, alice establishes
// a session against it and sends the first message, bob's session comes
// up transparently on receipt, and the two exchange a reply.
func proteusDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proteus-demo",
		Short: "Establish a Proteus session from a prekey bundle and exchange messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			alice, err := corecrypto.OpenDeferred(corecrypto.Config{Name: dbPath("proteus-alice"), Passphrase: []byte(passphrase)})
			if err != nil {
				return err
			}
			defer alice.Close()
			bob, err := corecrypto.OpenDeferred(corecrypto.Config{Name: dbPath("proteus-bob"), Passphrase: []byte(passphrase)})
			if err != nil {
				return err
			}
			defer bob.Close()

			aliceProteus, err := alice.Proteus()
			if err != nil {
				return err
			}
			bobProteus, err := bob.Proteus()
			if err != nil {
				return err
			}

			bobKeys, err := bobProteus.GeneratePreKeys(1, 1)
			if err != nil {
				return err
			}
			bundle, err := bobProteus.BundleFor(bobKeys[0].ID)
			if err != nil {
				return err
			}
			fmt.Printf("bob: published prekey bundle (id %d)\n", bundle.PreKeyID)

			if err := aliceProteus.SessionFromPreKey("bob", bundle); err != nil {
				return err
			}

			env, err := aliceProteus.Encrypt("bob", []byte("hi bob, this is alice"))
			if err != nil {
				return err
			}
			fmt.Println("alice: encrypted first message (carries handshake header)")

			plaintext, err := bobProteus.Decrypt("alice", env)
			if err != nil {
				return err
			}
			fmt.Printf("bob: decrypted %q, session established\n", string(plaintext))

			reply, err := bobProteus.Encrypt("alice", []byte("hi alice, got it"))
			if err != nil {
				return err
			}
			replyPlaintext, err := aliceProteus.Decrypt("bob", reply)
			if err != nil {
				return err
			}
			fmt.Printf("alice: decrypted reply %q\n", string(replyPlaintext))

			if err := aliceProteus.Save("bob"); err != nil {
				return err
			}
			if err := bobProteus.Save("alice"); err != nil {
				return err
			}
			fmt.Println("both sides saved their session state")
			return nil
		},
	}
}
