package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wireapp/core-crypto-go/corecrypto"
	"github.com/wireapp/core-crypto-go/e2ei"
)

// e2ei-demo drives one Enrollment through the full ACME exchange against
// fakeACME and upgrades a deferred-opened Instance with the resulting
// X.509 credential -- spec.md §4.7's "consumed by mls-init-only" path.
func e2eiDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "e2ei-demo",
		Short: "Enroll a deferred instance for an X.509 credential against a fake ACME directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := newFakeACME()
			if err != nil {
				return err
			}

			inst, err := corecrypto.OpenDeferred(corecrypto.Config{Name: dbPath("e2ei-alice"), Passphrase: []byte(passphrase)})
			if err != nil {
				return err
			}
			defer inst.Close()

			handle, err := inst.NewEnrollment(e2ei.PurposeNew, e2ei.Config{
				ClientID:    "alice-e2ei",
				Handle:      "alice",
				DisplayName: "Alice Exampleton",
				Team:        "acme-corp",
			})
			if err != nil {
				return err
			}

			enr, err := inst.Enrollment(handle)
			if err != nil {
				return err
			}

			if err := enr.IngestDirectory(ca.directory()); err != nil {
				return err
			}
			fmt.Println("enrollment: fetched directory")

			if _, err := enr.BuildNewAccountRequest(ca.nonce()); err != nil {
				return err
			}
			accountURL, acctBody := ca.newAccount()
			if err := enr.IngestAccountResponse(accountURL, acctBody); err != nil {
				return err
			}
			fmt.Println("enrollment: account created")

			if _, err := enr.BuildNewOrderRequest(ca.nonce()); err != nil {
				return err
			}
			orderURL, orderBody := ca.newOrder(enr.Config.ClientID)
			if err := enr.IngestOrderResponse(orderURL, orderBody); err != nil {
				return err
			}
			fmt.Println("enrollment: order created")

			for idx := range enr.Authorizations {
				authzURL := enr.Authorizations[idx].URL
				if _, err := enr.BuildAuthzRequest(idx, ca.nonce()); err != nil {
					return err
				}
				authzBody, err := ca.authorization(authzURL)
				if err != nil {
					return err
				}
				if err := enr.IngestAuthzResponse(idx, authzBody); err != nil {
					return err
				}
			}
			fmt.Println("enrollment: authorizations fetched")

			for idx := range enr.Authorizations {
				authzURL := enr.Authorizations[idx].URL
				if _, err := enr.BuildOidcChallengeRequest(idx, ca.nonce(), "fake-id-token"); err != nil {
					return err
				}
				if err := ca.postChallenge(authzURL); err != nil {
					return err
				}
			}
			fmt.Println("enrollment: oidc challenges posted")

			statusBody, err := ca.orderStatus(orderURL)
			if err != nil {
				return err
			}
			if err := enr.IngestOrderStatus(statusBody); err != nil {
				return err
			}

			if _, err := enr.BuildFinalizeRequest(ca.nonce()); err != nil {
				return err
			}
			finalBody, err := ca.finalize(orderURL, enr.CSR)
			if err != nil {
				return err
			}
			if err := enr.IngestOrderStatus(finalBody); err != nil {
				return err
			}
			fmt.Println("enrollment: order finalized, certificate issued by fake CA")

			pemChain, err := ca.certificate(enr.CertURL)
			if err != nil {
				return err
			}
			if err := enr.IngestCertificateResponse(pemChain); err != nil {
				return err
			}
			fmt.Println("enrollment: certificate chain ingested")

			cred, err := inst.InitWithClientIDFromEnrollment(handle)
			if err != nil {
				return err
			}
			fmt.Printf("instance upgraded to credential type %v, client id %q\n", cred.Type(), string(inst.ClientID()))
			return nil
		},
	}
}
