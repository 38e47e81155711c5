package repo

import (
	"imgflow"
	"imgflow/internal/api/models"

	"gorm.io/gorm"
)

type FlowRepository struct {
	Db *gorm.DB
}

func NewFlowRepository() *FlowRepository {
	return &FlowRepository{Db: imgflow.DB}
}

// FindByID retrieves a flow by ID
func (slf *FlowRepository) FindByID(id uint) (models.Flow, error) {
	var flow models.Flow
	err := slf.Db.First(&flow, id).Error
	return flow, err
}

func (slf *FlowRepository) FindAll() ([]models.Flow, error) {
	var flows []models.Flow
	err := slf.Db.Select("id", "name", "created_at", "updated_at").Order("id").Find(&flows).Error
	return flows, err
}

func (slf *FlowRepository) Create(flow *models.Flow) error {
	return slf.Db.Create(flow).Error
}

// SaveDocument replaces the stored document of a flow
func (slf *FlowRepository) SaveDocument(id uint, document models.FlowDocument) error {
	res := slf.Db.Model(&models.Flow{}).Where("id = ?", id).Update("document", document)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (slf *FlowRepository) Delete(id uint) error {
	return slf.Db.Delete(&models.Flow{}, id).Error
}
