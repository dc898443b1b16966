package sqlite

import (
	"context"
	"encoding/json"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// GetProviderType loads a provider type by id.
func (s *Store) GetProviderType(ctx context.Context, id string) (gwcore.ProviderType, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, display_name, auth_type, base_url, is_active,
		 token_mappings_json, model_extraction_json, auth_configs_json
		 FROM provider_types WHERE id = ?`, id,
	)
	return scanProviderType(row)
}

func scanProviderType(row scanner) (gwcore.ProviderType, error) {
	var p gwcore.ProviderType
	var authType string
	var isActive int
	var tokenMappings, modelExtract, authConfigs string
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &authType, &p.BaseURL, &isActive,
		&tokenMappings, &modelExtract, &authConfigs)
	if err != nil {
		return gwcore.ProviderType{}, notFoundErr(err)
	}
	p.AuthType = gwcore.AuthType(authType)
	p.IsActive = isActive != 0
	p.TokenMappingsJSON = json.RawMessage(tokenMappings)
	p.ModelExtractJSON = json.RawMessage(modelExtract)
	p.AuthConfigsJSON = json.RawMessage(authConfigs)
	return p, nil
}
