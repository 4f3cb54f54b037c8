package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// Prescriptions reads the patient and prescription tables owned by the
// prescribing service.
type Prescriptions struct {
	pool *pgxpool.Pool
}

// NewPrescriptions creates a prescription reader.
func NewPrescriptions(pool *pgxpool.Pool) *Prescriptions {
	return &Prescriptions{pool: pool}
}

var _ dose.Prescriptions = (*Prescriptions)(nil)

func (p *Prescriptions) Patient(ctx context.Context, patientID string) (dose.Patient, error) {
	pat := dose.Patient{ID: patientID}
	err := p.pool.QueryRow(ctx, `SELECT doctor_id FROM patients WHERE id = $1`, patientID).Scan(&pat.DoctorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return dose.Patient{}, fmt.Errorf("%w: patient %s", dose.ErrNotFound, patientID)
	}
	if err != nil {
		return dose.Patient{}, classify(err)
	}
	return pat, nil
}

func (p *Prescriptions) ActivePrescriptions(ctx context.Context, patientID string, day dose.Date) ([]dose.Prescription, error) {
	if _, err := p.Patient(ctx, patientID); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, patient_id, doctor_id, medication_id, medication_name, dosage,
		       dose_times, start_date, end_date, active
		FROM prescriptions
		WHERE patient_id = $1 AND active
		  AND start_date <= $2 AND (end_date IS NULL OR end_date >= $2)
		ORDER BY id`,
		patientID, dateValue(day))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []dose.Prescription
	for rows.Next() {
		rx, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rx)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (p *Prescriptions) PatientsWithActivePrescriptions(ctx context.Context, day dose.Date) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT patient_id
		FROM prescriptions
		WHERE active AND start_date <= $1 AND (end_date IS NULL OR end_date >= $1)
		ORDER BY patient_id`,
		dateValue(day))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

// Upsert writes a patient and prescription. Used by seeding and tests; the
// prescribing service owns these rows in production.
func (p *Prescriptions) Upsert(ctx context.Context, rx dose.Prescription) error {
	times := make([]string, len(rx.DoseTimes))
	for i, t := range rx.DoseTimes {
		times[i] = t.String()
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO patients (id, doctor_id) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET doctor_id = EXCLUDED.doctor_id`,
			rx.PatientID, rx.DoctorID); err != nil {
			return classify(err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO prescriptions (id, patient_id, doctor_id, medication_id, medication_name,
			                           dosage, dose_times, start_date, end_date, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				doctor_id = EXCLUDED.doctor_id,
				medication_name = EXCLUDED.medication_name,
				dosage = EXCLUDED.dosage,
				dose_times = EXCLUDED.dose_times,
				end_date = EXCLUDED.end_date,
				active = EXCLUDED.active`,
			rx.ID, rx.PatientID, rx.DoctorID, rx.MedicationID, rx.MedicationName,
			rx.Dosage, times, dateValue(rx.StartDate), nullableDate(rx.EndDate), rx.Active)
		return classify(err)
	})
}

func scanPrescription(row pgx.Row) (dose.Prescription, error) {
	var (
		rx    dose.Prescription
		times []string
		start time.Time
		end   *time.Time
	)
	err := row.Scan(&rx.ID, &rx.PatientID, &rx.DoctorID, &rx.MedicationID, &rx.MedicationName,
		&rx.Dosage, &times, &start, &end, &rx.Active)
	if err != nil {
		return dose.Prescription{}, fmt.Errorf("scan prescription: %w", err)
	}
	rx.StartDate = dateFrom(start)
	if end != nil {
		rx.EndDate = dateFrom(*end)
	}
	for _, v := range times {
		tod, err := dose.ParseTimeOfDay(v)
		if err != nil {
			return dose.Prescription{}, fmt.Errorf("prescription %s: %w", rx.ID, err)
		}
		rx.DoseTimes = append(rx.DoseTimes, tod)
	}
	return rx, nil
}
