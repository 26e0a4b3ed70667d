package grpcserver

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/jobs"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

const (
	fieldUserID        = "user_id"
	fieldAmount        = "amount"
	fieldCost          = "cost"
	fieldDescription   = "description"
	fieldReason        = "reason"
	fieldReference     = "reference"
	fieldMetadata      = "metadata"
	fieldSource        = "source"
	fieldSourceID      = "source_id"
	fieldExpiresInDays = "expires_in_days"
	fieldSuccess       = "success"
	fieldNewBalance    = "new_balance"
	fieldFromExpiring  = "from_expiring"
	fieldFromPermanent = "from_permanent"
	fieldGrantID       = "grant_id"
	fieldDuplicate     = "duplicate"
	fieldExpiresAt     = "expires_at"
	fieldBalanceAfter  = "balance_after"
	fieldBalance       = "balance"
	fieldJobID         = "job_id"
	fieldKind          = "kind"
	fieldStatus        = "status"
	fieldResult        = "result"
	fieldError         = "error"
	fieldCreatedAt     = "created_at"
	fieldUpdatedAt     = "updated_at"
	fieldCached        = "cached"

	// Struct numbers are doubles; larger integers lose precision.
	maxExactInteger = 1 << 53
)

var errInvalidField = errors.New("invalid request field")

func requiredString(request *structpb.Struct, name string) (string, error) {
	value := optionalString(request, name)
	if value == "" {
		return "", fmt.Errorf("%w: %s is required", errInvalidField, name)
	}
	return value, nil
}

func optionalString(request *structpb.Struct, name string) string {
	value, ok := request.GetFields()[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(value.GetStringValue())
}

func boolField(request *structpb.Struct, name string) (bool, error) {
	value, ok := request.GetFields()[name]
	if !ok {
		return false, nil
	}
	flag, isBool := value.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		return false, fmt.Errorf("%w: %s must be a boolean", errInvalidField, name)
	}
	return flag.BoolValue, nil
}

// integerField reads a whole number. Absent fields return ok=false.
func integerField(request *structpb.Struct, name string) (int64, bool, error) {
	value, ok := request.GetFields()[name]
	if !ok {
		return 0, false, nil
	}
	number, isNumber := value.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, false, fmt.Errorf("%w: %s must be a number", errInvalidField, name)
	}
	if number.NumberValue != math.Trunc(number.NumberValue) || math.Abs(number.NumberValue) > maxExactInteger {
		return 0, false, fmt.Errorf("%w: %s must be a whole number", errInvalidField, name)
	}
	return int64(number.NumberValue), true, nil
}

func userIDField(request *structpb.Struct) (ledger.UserID, error) {
	return ledger.NewUserID(optionalString(request, fieldUserID))
}

func creditsField(request *structpb.Struct, name string) (ledger.PositiveCredits, error) {
	raw, ok, err := integerField(request, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", errInvalidField, name)
	}
	return ledger.NewPositiveCredits(raw)
}

// metadataField re-encodes the nested metadata struct as a JSON object.
func metadataField(request *structpb.Struct) (ledger.MetadataJSON, error) {
	value, ok := request.GetFields()[fieldMetadata]
	if !ok {
		return ledger.NewMetadataJSON("")
	}
	nested := value.GetStructValue()
	if nested == nil {
		return ledger.MetadataJSON{}, fmt.Errorf("%w: metadata must be an object", errInvalidField)
	}
	encoded, err := protojson.Marshal(nested)
	if err != nil {
		return ledger.MetadataJSON{}, fmt.Errorf("%w: %v", ledger.ErrInvalidMetadataJSON, err)
	}
	return ledger.NewMetadataJSON(string(encoded))
}

func grantRequestFromStruct(request *structpb.Struct) (ledger.GrantRequest, error) {
	userID, err := userIDField(request)
	if err != nil {
		return ledger.GrantRequest{}, err
	}
	amount, err := creditsField(request, fieldAmount)
	if err != nil {
		return ledger.GrantRequest{}, err
	}
	source, err := ledger.ParseGrantSource(optionalString(request, fieldSource))
	if err != nil {
		return ledger.GrantRequest{}, err
	}
	sourceID, err := ledger.NewSourceID(optionalString(request, fieldSourceID))
	if err != nil {
		return ledger.GrantRequest{}, err
	}
	metadata, err := metadataField(request)
	if err != nil {
		return ledger.GrantRequest{}, err
	}
	grantRequest := ledger.GrantRequest{
		UserID:      userID,
		Amount:      amount,
		Source:      source,
		SourceID:    sourceID,
		Metadata:    metadata,
		Description: optionalString(request, fieldReason),
	}
	days, ok, err := integerField(request, fieldExpiresInDays)
	if err != nil {
		return ledger.GrantRequest{}, err
	}
	if ok {
		if grantRequest.Expiry, err = ledger.ExpiresInDays(int(days)); err != nil {
			return ledger.GrantRequest{}, err
		}
	}
	return grantRequest, nil
}

func jobStruct(job jobs.GenerationJob) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldJobID:     job.JobID,
		fieldUserID:    job.UserID,
		fieldKind:      job.Kind,
		fieldCost:      job.Cost,
		fieldStatus:    job.Status.String(),
		fieldResult:    job.Result,
		fieldError:     job.Error,
		fieldCreatedAt: job.CreatedUnixUTC,
		fieldUpdatedAt: job.UpdatedUnixUTC,
	})
}
