package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, b)
	return &manager.UploadOutput{}, nil
}

func TestCanonicalSortsKeysAtEveryDepth(t *testing.T) {
	a, err := Canonical(map[string]interface{}{"b": 2, "a": map[string]interface{}{"z": 1, "y": []int{3, 1}}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":[3,1],"z":1},"b":2}`, string(a))

	type payload struct {
		Total  float64            `json:"total"`
		Shares map[string]float64 `json:"shares"`
	}
	p1, err := Digest(payload{Total: 12.5, Shares: map[string]float64{"c2": 0.4, "c1": 0.6}})
	require.NoError(t, err)
	p2, err := Digest(map[string]interface{}{"shares": map[string]interface{}{"c1": 0.6, "c2": 0.4}, "total": 12.5})
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestS3ArchiverUploadsCanonicalEnvelope(t *testing.T) {
	up := &fakeUploader{}
	a := newS3Archiver("plans", "planner", up)
	a.now = func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }
	id := uuid.New()

	key, err := a.Archive(context.Background(), Record{
		WorkflowID: id,
		Kind:       KindForecast,
		Revision:   3,
		Payload:    map[string]interface{}{"total_season_demand": 480},
	})
	require.NoError(t, err)
	assert.Equal(t, "planner/workflows/"+id.String()+"/forecast/rev-3.json", key)

	require.Len(t, up.inputs, 1)
	in := up.inputs[0]
	assert.Equal(t, "plans", *in.Bucket)
	assert.Equal(t, s3types.ServerSideEncryptionAes256, in.ServerSideEncryption)
	assert.NotEmpty(t, in.Metadata["sha256"])

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(up.bodies[0], &env))
	assert.Equal(t, "forecast", env["kind"])
	assert.Equal(t, float64(3), env["revision"])
	assert.Equal(t, in.Metadata["sha256"], env["sha256"])
	assert.Equal(t, "2026-04-01T00:00:00Z", env["archived_at"])
}

func TestS3ArchiverSurfacesUploadError(t *testing.T) {
	a := newS3Archiver("plans", "", &fakeUploader{err: errors.New("denied")})
	_, err := a.Archive(context.Background(), Record{WorkflowID: uuid.New(), Kind: KindAllocation, Revision: 1, Payload: map[string]int{"units": 4}})
	assert.ErrorContains(t, err, "denied")
}
