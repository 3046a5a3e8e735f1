package credential

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// ManagementScope is the audience of the Azure Resource Manager API.
const ManagementScope = "https://management.core.windows.net/.default"

// AzureIssuer issues tokens through an Azure identity credential.
type AzureIssuer struct {
	cred azcore.TokenCredential
}

// NewAzureIssuer uses a client secret credential when clientID and secret
// are both set and the default credential chain otherwise.
func NewAzureIssuer(tenantID, clientID, clientSecret string) (*AzureIssuer, error) {
	if clientID != "" && clientSecret != "" {
		cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("creating client secret credential: %w", err)
		}
		return &AzureIssuer{cred: cred}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
		TenantID: tenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating default credential: %w", err)
	}
	return &AzureIssuer{cred: cred}, nil
}

func (a *AzureIssuer) Issue(ctx context.Context, audience string) (Token, error) {
	tok, err := a.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{audience}})
	if err != nil {
		return Token{}, err
	}
	return Token{Value: tok.Token, ExpiresAt: tok.ExpiresOn}, nil
}
