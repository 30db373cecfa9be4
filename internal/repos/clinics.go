package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"clinic-inventory-ledger/internal/models"
)

type ClinicsRepo struct {
	pool *pgxpool.Pool
}

func NewClinicsRepo(pool *pgxpool.Pool) *ClinicsRepo {
	return &ClinicsRepo{pool: pool}
}

func (r *ClinicsRepo) CreateClinic(ctx context.Context, slug string, name string) (models.Clinic, error) {
	var clinic models.Clinic
	err := r.pool.QueryRow(ctx, `
		INSERT INTO clinics (slug, name)
		VALUES ($1, $2)
		RETURNING clinic_id, slug, name, created_at
	`, slug, name).Scan(&clinic.ClinicID, &clinic.Slug, &clinic.Name, &clinic.CreatedAt)
	return clinic, err
}

func (r *ClinicsRepo) GetClinicByID(ctx context.Context, clinicID uuid.UUID) (models.Clinic, error) {
	var clinic models.Clinic
	err := r.pool.QueryRow(ctx, `
		SELECT clinic_id, slug, name, created_at
		FROM clinics
		WHERE clinic_id = $1
	`, clinicID).Scan(&clinic.ClinicID, &clinic.Slug, &clinic.Name, &clinic.CreatedAt)
	return clinic, err
}

func (r *ClinicsRepo) GetClinicBySlug(ctx context.Context, slug string) (models.Clinic, error) {
	var clinic models.Clinic
	err := r.pool.QueryRow(ctx, `
		SELECT clinic_id, slug, name, created_at
		FROM clinics
		WHERE slug = $1
	`, slug).Scan(&clinic.ClinicID, &clinic.Slug, &clinic.Name, &clinic.CreatedAt)
	return clinic, err
}
